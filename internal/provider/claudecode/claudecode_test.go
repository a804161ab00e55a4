package claudecode

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kmckiern/agent-sessions/internal/session"
)

func writeSessionFile(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}
}

func projectLogFixture(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, "projects", "-Users-dev-proj", "12345678-1234-1234-1234-123456789abc.jsonl")
	writeSessionFile(t, path, []string{
		`{"type":"user","timestamp":"2026-01-13T00:01:00Z","cwd":"/Users/dev/proj","message":{"role":"user","content":"fix the bug"}}`,
		`{"type":"assistant","timestamp":"2026-01-13T00:02:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"done"}]}}`,
	})
	return path
}

func TestSessionsParsesProjectLogs(t *testing.T) {
	root := t.TempDir()
	projectLogFixture(t, root)

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Sessions = %d records, want 1", len(records))
	}

	record := records[0]
	if record.SessionID != "12345678-1234-1234-1234-123456789abc" {
		t.Fatalf("session_id = %q", record.SessionID)
	}
	if record.WorkingDir != "/Users/dev/proj" {
		t.Fatalf("working_dir = %q", record.WorkingDir)
	}
	if record.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q", record.Model)
	}
	if len(record.Normalized) != 2 {
		t.Fatalf("normalized = %d, want 2", len(record.Normalized))
	}
	if record.Normalized[0].Role != session.RoleUser || record.Normalized[1].Role != session.RoleAssistant {
		t.Fatalf("roles = %s/%s", record.Normalized[0].Role, record.Normalized[1].Role)
	}
}

func TestProjectMetadataSeedsWorkingDir(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "projects", "-Users-dev-other")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "project.json"), []byte(`{"absolutePath":"/Users/dev/other"}`), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	writeSessionFile(t, filepath.Join(projectDir, "87654321-4321-4321-4321-cba987654321.jsonl"), []string{
		`{"type":"assistant","timestamp":"2026-01-13T00:01:00Z","message":{"role":"assistant","content":"hello"}}`,
	})

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Sessions = %d records, want 1", len(records))
	}
	if records[0].WorkingDir != "/Users/dev/other" {
		t.Fatalf("working_dir = %q, want metadata value", records[0].WorkingDir)
	}
}

func storeFixture(t *testing.T, root string) string {
	t.Helper()
	dbPath := filepath.Join(root, "__store.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE projects (id TEXT, absolute_path TEXT)`,
		`INSERT INTO projects VALUES ('p1', '/Users/dev/proj')`,
		`CREATE TABLE conversations (conversation_id TEXT, project_id TEXT, created_at TEXT, updated_at TEXT)`,
		`INSERT INTO conversations VALUES ('conv-1', 'p1', '2026-01-13T00:01:00Z', '2026-01-13T00:05:00Z')`,
		`CREATE TABLE messages (conversation_id TEXT, role TEXT, content TEXT, created_at TEXT)`,
		`INSERT INTO messages VALUES ('conv-1', 'user', 'from the store', '2026-01-13T00:01:00Z')`,
		`INSERT INTO messages VALUES ('conv-1', 'assistant', 'store reply', '2026-01-13T00:02:00Z')`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("exec %q: %v", statement, err)
		}
	}
	return dbPath
}

func TestStoreSessionsLoaded(t *testing.T) {
	root := t.TempDir()
	dbPath := storeFixture(t, root)

	records := loadStoreSessions(dbPath)
	if len(records) != 1 {
		t.Fatalf("store records = %d, want 1", len(records))
	}
	record := records[0]
	if record.SessionID != "store:conv-1" {
		t.Fatalf("session_id = %q", record.SessionID)
	}
	if record.WorkingDir != "/Users/dev/proj" {
		t.Fatalf("working_dir = %q, want project path fallback", record.WorkingDir)
	}
	if len(record.Messages) != 2 || record.Messages[0].Content != "from the store" {
		t.Fatalf("messages = %+v", record.Messages)
	}
	if record.StartedAt == nil || record.UpdatedAt == nil {
		t.Fatalf("timestamps missing: %+v", record)
	}
	if !record.UpdatedAt.After(*record.StartedAt) {
		t.Fatalf("updated_at must trail started_at: %v / %v", record.StartedAt, record.UpdatedAt)
	}
}

func TestSessionsIncludeStoreRecords(t *testing.T) {
	root := t.TempDir()
	projectLogFixture(t, root)
	storeFixture(t, root)

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Sessions = %d records, want log + store", len(records))
	}

	ids := map[string]bool{}
	for _, record := range records {
		ids[record.SessionID] = true
	}
	if !ids["12345678-1234-1234-1234-123456789abc"] || !ids["store:conv-1"] {
		t.Fatalf("ids = %v", ids)
	}
}

func TestCacheValidationPathsIncludeStore(t *testing.T) {
	root := t.TempDir()
	projectLogFixture(t, root)
	storeFixture(t, root)

	p := New(root)
	paths := p.CacheValidationPaths()
	foundStore := false
	for _, path := range paths {
		if filepath.Base(path) == storeFilename {
			foundStore = true
		}
	}
	if !foundStore {
		t.Fatalf("store database missing from validation paths: %v", paths)
	}
}

func TestSessionIDFromPath(t *testing.T) {
	p := New(t.TempDir())
	cases := map[string]string{
		"/x/12345678-1234-1234-1234-123456789abc.jsonl": "12345678-1234-1234-1234-123456789abc",
		"/x/agent-run-one-two-three-four-five.jsonl":    "one-two-three-four-five",
		"/x/longstem.jsonl":                             "longstem",
	}
	for path, want := range cases {
		if got := p.SessionIDFromPath(path); got != want {
			t.Fatalf("SessionIDFromPath(%s) = %q, want %q", path, got, want)
		}
	}
}
