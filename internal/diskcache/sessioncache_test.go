package diskcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmckiern/agent-sessions/internal/session"
)

func makeRecord(id string) *session.Record {
	started := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	updated := started.Add(time.Minute)
	record := session.NewRecord("stub", id, "/tmp/"+id+".jsonl")
	record.StartedAt = &started
	record.UpdatedAt = &updated
	record.Model = "model"
	record.Messages = []session.Message{
		{Role: "user", Content: "hi", CreatedAt: &started},
		{Role: "assistant", Content: "hello", CreatedAt: &updated},
	}
	record.RefreshSearchIndex()
	return record
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestSessionCacheRoundTrip(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	source := writeSource(t, root, "session.jsonl", "{\"event\":\"x\"}\n")
	record := makeRecord("s1")
	record.SourcePath = source

	cache := NewSessionCache(cacheDir, true)
	cache.Store("stub", source, record)
	cache.Persist()
	if !cache.Enabled {
		t.Fatalf("persist must keep the cache enabled on success")
	}

	reloaded := NewSessionCache(cacheDir, true)
	reloaded.Load()
	got := reloaded.Lookup("stub", source)
	if got == nil {
		t.Fatalf("lookup after reload returned nil")
	}
	if got.SessionID != "s1" || got.Model != "model" || len(got.Messages) != 2 {
		t.Fatalf("rehydrated record = %+v", got)
	}
	if got.Messages[0].CreatedAt == nil || !got.Messages[0].CreatedAt.Equal(*record.Messages[0].CreatedAt) {
		t.Fatalf("timestamps lost on round trip: %+v", got.Messages[0])
	}
}

func TestSessionCacheMissOnChangedFingerprint(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	source := writeSource(t, root, "session.jsonl", "{\"event\":\"x\"}\n")
	record := makeRecord("s1")

	cache := NewSessionCache(cacheDir, true)
	cache.Store("stub", source, record)
	if cache.Lookup("stub", source) == nil {
		t.Fatalf("expected hit on unchanged file")
	}

	writeSource(t, root, "session.jsonl", "{\"event\":\"x\"}\n{\"event\":\"y\"}\n")
	if cache.Lookup("stub", source) != nil {
		t.Fatalf("expected miss after the source changed")
	}
}

func TestSessionCacheIgnoresMissingSource(t *testing.T) {
	cache := NewSessionCache(t.TempDir(), true)
	cache.Store("stub", "/nonexistent/file.jsonl", makeRecord("s1"))
	if got := cache.Lookup("stub", "/nonexistent/file.jsonl"); got != nil {
		t.Fatalf("unstatable path must miss, got %+v", got)
	}
}

func TestSessionCacheLoadToleratesCorruption(t *testing.T) {
	cacheDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(cacheDir, "session_cache.json"), []byte("{not-json"), 0o644); err != nil {
		t.Fatalf("write corrupt cache: %v", err)
	}
	cache := NewSessionCache(cacheDir, true)
	cache.Load()
	if !cache.Enabled {
		t.Fatalf("corrupt cache file must not disable the cache")
	}
}

func TestSessionCacheLoadRejectsVersionMismatch(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	source := writeSource(t, root, "session.jsonl", "{\"event\":\"x\"}\n")

	cache := NewSessionCache(cacheDir, true)
	cache.Store("stub", source, makeRecord("s1"))
	cache.Persist()

	path := filepath.Join(cacheDir, "session_cache.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"entries":[]}`), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}

	reloaded := NewSessionCache(cacheDir, true)
	reloaded.Load()
	if reloaded.Lookup("stub", source) != nil {
		t.Fatalf("version mismatch must start empty")
	}
}

func TestSessionCachePersistFailureDisables(t *testing.T) {
	root := t.TempDir()
	blocker := writeSource(t, root, "not-a-dir", "x")
	cache := NewSessionCache(filepath.Join(blocker, "cache"), true)
	cache.Persist()
	if cache.Enabled {
		t.Fatalf("persist into an unwritable dir must disable the cache")
	}
}
