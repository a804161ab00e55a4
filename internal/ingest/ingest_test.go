package ingest

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/kmckiern/agent-sessions/internal/session"
)

func ts(minute int) *time.Time {
	value := time.Date(2026, 1, 13, 0, minute, 0, 0, time.UTC)
	return &value
}

func TestBuilderDedupesMessages(t *testing.T) {
	b := NewBuilder("stub", "/tmp/s1.jsonl", "s1")
	if !b.AddMessage("user", "hi", ts(0)) {
		t.Fatalf("first add must succeed")
	}
	if b.AddMessage("user", "hi", ts(0)) {
		t.Fatalf("duplicate add must be rejected")
	}
	if !b.AddMessage("user", "hi", ts(1)) {
		t.Fatalf("same content at a new timestamp is a new message")
	}
	record := b.Build()
	if record == nil || len(record.Messages) != 2 {
		t.Fatalf("record = %+v", record)
	}
}

func TestBuilderOrdersMissingTimestampsFirst(t *testing.T) {
	b := NewBuilder("stub", "/tmp/s1.jsonl", "s1")
	b.AddMessage("assistant", "second", ts(5))
	b.AddMessage("event", "no time a", nil)
	b.AddMessage("assistant", "first", ts(1))
	b.AddMessage("event", "no time b", nil)

	record := b.Build()
	var contents []string
	for _, message := range record.Messages {
		contents = append(contents, message.Content)
	}
	want := []string{"no time a", "no time b", "first", "second"}
	if !reflect.DeepEqual(contents, want) {
		t.Fatalf("order = %v, want %v", contents, want)
	}
}

func TestBuilderReturnsNilWhenEmpty(t *testing.T) {
	b := NewBuilder("stub", "/tmp/empty.jsonl", "")
	if record := b.Build(); record != nil {
		t.Fatalf("empty builder must produce nil, got %+v", record)
	}
}

func TestBuilderSessionIDFirstWinsAndPathFallback(t *testing.T) {
	b := NewBuilder("stub", "/tmp/fallback-id.jsonl", "")
	b.SetSessionID("  actual-id  ")
	b.SetSessionID("later-id")
	b.AddMessage("user", "hi", ts(0))
	record := b.Build()
	if record.SessionID != "actual-id" {
		t.Fatalf("session_id = %q, want actual-id", record.SessionID)
	}

	b = NewBuilder("stub", "/tmp/fallback-id.jsonl", "")
	b.AddMessage("user", "hi", ts(0))
	if record := b.Build(); record.SessionID != "fallback-id" {
		t.Fatalf("session_id = %q, want fallback-id", record.SessionID)
	}
}

func TestBuilderModelPriority(t *testing.T) {
	b := NewBuilder("stub", "/tmp/s1.jsonl", "s1")
	b.SetModel("header-model", 1)
	b.SetModel("assistant-model", 2)
	b.SetModel("late-header-model", 1)
	b.AddMessage("user", "hi", ts(0))
	record := b.Build()
	if record.Model != "assistant-model" {
		t.Fatalf("model = %q, want assistant-model", record.Model)
	}
}

func TestBuilderTimestampsShrinkAndExpand(t *testing.T) {
	b := NewBuilder("stub", "/tmp/s1.jsonl", "s1")
	b.RecordTimestamp(ts(5))
	b.RecordTimestamp(ts(1))
	b.RecordTimestamp(ts(9))
	if !b.StartedAt.Equal(*ts(1)) || !b.UpdatedAt.Equal(*ts(9)) {
		t.Fatalf("started=%v updated=%v", b.StartedAt, b.UpdatedAt)
	}
}

func TestBuilderSynthesizesLegacyFromNormalized(t *testing.T) {
	b := NewBuilder("stub", "/tmp/s1.jsonl", "s1")
	b.AddNormalized(&session.NormalizedMessage{
		ID:        "m1",
		Role:      session.RoleAssistant,
		Timestamp: ts(1),
		Parts:     []session.NormalizedPart{{Kind: session.PartText, Text: "hello"}},
	})
	record := b.Build()
	if record == nil {
		t.Fatalf("record is nil")
	}
	if len(record.Messages) != 1 || record.Messages[0].Content != "hello" || record.Messages[0].Role != session.RoleAssistant {
		t.Fatalf("legacy view = %+v", record.Messages)
	}
}

func makeRecord(t *testing.T) *session.Record {
	t.Helper()
	b := NewBuilder("stub", "/tmp/s1.jsonl", "s1")
	b.SetWorkingDir("/workspace")
	b.SetModel("model-a", 1)
	b.AddMessage("user", "hi", ts(0))
	b.AddMessage("assistant", "hello", ts(1))
	b.AddNormalized(&session.NormalizedMessage{
		ID:        "m1",
		Role:      session.RoleUser,
		Timestamp: ts(0),
		Parts:     []session.NormalizedPart{{Kind: session.PartText, Text: "hi"}},
	})
	b.Diagnostics = &session.NormalizationDiagnostics{TotalEvents: 2, ParsedEvents: 2}
	record := b.Build()
	if record == nil {
		t.Fatalf("makeRecord produced nil")
	}
	return record
}

func TestMergeWithSelfIsIdempotent(t *testing.T) {
	record := makeRecord(t)
	merged := MergeSessionRecords(record, record)

	if merged.SessionID != record.SessionID || merged.Provider != record.Provider {
		t.Fatalf("identity changed: %+v", merged)
	}
	if len(merged.Messages) != len(record.Messages) {
		t.Fatalf("messages duplicated: %d vs %d", len(merged.Messages), len(record.Messages))
	}
	if len(merged.Normalized) != len(record.Normalized) {
		t.Fatalf("normalized duplicated: %d vs %d", len(merged.Normalized), len(record.Normalized))
	}

	a, _ := json.Marshal(merged.Messages)
	b, _ := json.Marshal(record.Messages)
	if string(a) != string(b) {
		t.Fatalf("messages differ after self-merge:\n%s\n%s", a, b)
	}

	// Counters are summed across both inputs.
	if merged.Diagnostics == nil || merged.Diagnostics.TotalEvents != 2*record.Diagnostics.TotalEvents {
		t.Fatalf("diagnostics = %+v", merged.Diagnostics)
	}
}

func TestMergeCombinesTimestampsAndWorkingDir(t *testing.T) {
	primary := makeRecord(t)
	b := NewBuilder("stub", "/tmp/store.db", "s1")
	b.AddMessage("assistant", "from store", ts(9))
	incoming := b.Build()
	incoming.WorkingDir = ""
	incoming.Model = "model-b"

	merged := MergeSessionRecords(primary, incoming)
	if !merged.StartedAt.Equal(*ts(0)) {
		t.Fatalf("started_at = %v, want earliest", merged.StartedAt)
	}
	if !merged.UpdatedAt.Equal(*ts(9)) {
		t.Fatalf("updated_at = %v, want latest", merged.UpdatedAt)
	}
	if merged.WorkingDir != "/workspace" {
		t.Fatalf("working_dir = %q", merged.WorkingDir)
	}
	if merged.Model != "model-b" {
		t.Fatalf("model = %q, incoming (priority 2) should win", merged.Model)
	}
	if len(merged.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(merged.Messages))
	}
}

func TestIterPathsGlob(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, root, "sessions/2026/01/13/rollout-a.jsonl", "{}")
	mustWrite(t, root, "sessions/2026/01/14/rollout-b.jsonl", "{}")
	mustWrite(t, root, "sessions/2026/01/14/notes.txt", "x")
	mustWrite(t, root, "projects/p1/nested/deep/s.jsonl", "{}")

	got := IterPaths(root, []string{"sessions/*/*/*/*.jsonl"})
	if len(got) != 2 {
		t.Fatalf("IterPaths = %v, want 2 rollouts", got)
	}

	got = IterPaths(root, []string{"projects/*/**/*.jsonl"})
	if len(got) != 1 {
		t.Fatalf("IterPaths ** = %v, want 1", got)
	}
}

func TestForEachJSONLEventSkipsInvalidLines(t *testing.T) {
	root := t.TempDir()
	path := mustWrite(t, root, "events.jsonl", "{\"a\":1}\nnot-json\n\n{\"b\":2}\n")

	var events []map[string]any
	ForEachJSONLEvent(path, func(event map[string]any) {
		events = append(events, event)
	})
	if len(events) != 2 {
		t.Fatalf("events = %v, want 2", events)
	}
}
