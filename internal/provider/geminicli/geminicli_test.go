package geminicli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kmckiern/agent-sessions/internal/session"
)

func writeCheckpoint(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

const checkpointJSON = `{
  "sessionId": "sess-1",
  "startTime": "2026-01-13T00:01:00Z",
  "lastUpdated": "2026-01-13T00:05:00Z",
  "projectPath": "/workspace/proj",
  "messages": [
    {"role": "user", "content": "hello gemini", "timestamp": "2026-01-13T00:01:00Z"},
    {"role": "model", "content": "hello human", "timestamp": "2026-01-13T00:02:00Z", "model": "gemini-2.0-pro"},
    {"role": "model", "parts": [{"functionCall": {"name": "list_files", "args": {"dir": "."}}}], "timestamp": "2026-01-13T00:03:00Z"}
  ]
}`

func TestSessionsParsesCheckpoint(t *testing.T) {
	root := t.TempDir()
	writeCheckpoint(t, filepath.Join(root, "tmp", "proj1", "chats", "session-1.json"), checkpointJSON)

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Sessions = %d records, want 1", len(records))
	}

	record := records[0]
	if record.SessionID != "sess-1" {
		t.Fatalf("session_id = %q", record.SessionID)
	}
	if record.WorkingDir != "/workspace/proj" {
		t.Fatalf("working_dir = %q", record.WorkingDir)
	}
	if record.Model != "gemini-2.0-pro" {
		t.Fatalf("model = %q", record.Model)
	}
	if len(record.Normalized) != 3 {
		t.Fatalf("normalized = %d, want 3", len(record.Normalized))
	}
	if record.Normalized[0].Role != session.RoleUser {
		t.Fatalf("first role = %q", record.Normalized[0].Role)
	}
	if record.Normalized[1].Role != session.RoleAssistant {
		t.Fatalf("model alias must map to assistant, got %q", record.Normalized[1].Role)
	}
	if record.Normalized[2].Parts[0].Kind != session.PartToolCall {
		t.Fatalf("functionCall part = %+v", record.Normalized[2].Parts[0])
	}
	if record.StartedAt == nil || record.UpdatedAt == nil {
		t.Fatalf("timestamps missing")
	}
}

func TestSessionsDedupeBySessionID(t *testing.T) {
	root := t.TempDir()
	older := `{"sessionId":"sess-1","lastUpdated":"2026-01-12T00:00:00Z","messages":[{"role":"user","content":"old"}]}`
	newer := `{"sessionId":"sess-1","lastUpdated":"2026-01-13T00:00:00Z","messages":[{"role":"user","content":"new"}]}`
	writeCheckpoint(t, filepath.Join(root, "tmp", "proj1", "chats", "a.json"), older)
	writeCheckpoint(t, filepath.Join(root, "history", "b.json"), newer)

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Sessions = %d records, want deduped 1", len(records))
	}
	if records[0].Messages[0].Content != "new" {
		t.Fatalf("dedup must keep the most recent checkpoint, got %q", records[0].Messages[0].Content)
	}
}

func TestSessionIDFallbackFromPath(t *testing.T) {
	root := t.TempDir()
	writeCheckpoint(t, filepath.Join(root, "tmp", "proj1", "chats", "chat-weekly.json"),
		`{"messages":[{"role":"user","content":"untitled"}],"lastUpdated":"2026-01-13T00:00:00Z"}`)

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Sessions = %d records, want 1", len(records))
	}
	if records[0].SessionID != "chats:chat-weekly" {
		t.Fatalf("session_id = %q, want parent-qualified fallback", records[0].SessionID)
	}
}

func TestMalformedCheckpointContributesNothing(t *testing.T) {
	root := t.TempDir()
	writeCheckpoint(t, filepath.Join(root, "history", "bad.json"), "{not-json")

	p := New(root)
	records, err := p.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("Sessions = %d records, want 0", len(records))
	}
}
