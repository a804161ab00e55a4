// Package session holds the domain model shared by providers, caches, and
// the query layer: legacy messages, normalized messages with typed parts,
// session records, and the derived per-record search index.
package session

import (
	"sync/atomic"
	"time"
)

// Normalized message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Normalized part kinds.
const (
	PartText       = "text"
	PartCode       = "code"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// Message is the legacy single-string representation of a chat message.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"created_at"`
}

// NormalizedPart is one tagged segment of a normalized message. Text and
// code parts carry non-empty trimmed text; tool parts carry at least one of
// tool name, arguments, or output.
type NormalizedPart struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Language  string `json:"language,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Arguments any    `json:"arguments,omitempty"`
	Output    any    `json:"output,omitempty"`
	ID        string `json:"id,omitempty"`
}

// NormalizedMessage is a provider-agnostic message with structured parts.
type NormalizedMessage struct {
	ID           string           `json:"id"`
	Role         string           `json:"role"`
	Name         string           `json:"name,omitempty"`
	Timestamp    *time.Time       `json:"timestamp"`
	LatencyMS    *float64         `json:"latency_ms,omitempty"`
	ProviderMeta map[string]any   `json:"provider_meta,omitempty"`
	Parts        []NormalizedPart `json:"parts"`
}

// NormalizationDiagnostics counts normalization outcomes for one source.
type NormalizationDiagnostics struct {
	TotalEvents   int      `json:"total_events"`
	ParsedEvents  int      `json:"parsed_events"`
	SkippedEvents int      `json:"skipped_events"`
	Warnings      []string `json:"warnings"`
}

// Merge sums counters and concatenates warnings from incoming.
func (d *NormalizationDiagnostics) Merge(incoming *NormalizationDiagnostics) {
	if incoming == nil {
		return
	}
	d.TotalEvents += incoming.TotalEvents
	d.ParsedEvents += incoming.ParsedEvents
	d.SkippedEvents += incoming.SkippedEvents
	d.Warnings = append(d.Warnings, incoming.Warnings...)
}

// Record aggregates the parsed data for a single session source.
type Record struct {
	Provider    string                    `json:"provider"`
	SessionID   string                    `json:"session_id"`
	SourcePath  string                    `json:"source_path"`
	StartedAt   *time.Time                `json:"started_at"`
	UpdatedAt   *time.Time                `json:"updated_at"`
	WorkingDir  string                    `json:"working_dir,omitempty"`
	Model       string                    `json:"model,omitempty"`
	Messages    []Message                 `json:"messages"`
	Normalized  []NormalizedMessage       `json:"normalized_messages"`
	Diagnostics *NormalizationDiagnostics `json:"normalization_diagnostics"`

	searchIndex atomic.Pointer[SearchIndex]
}

// NewRecord builds a record and eagerly computes its search index.
func NewRecord(provider, sessionID, sourcePath string) *Record {
	record := &Record{
		Provider:   provider,
		SessionID:  sessionID,
		SourcePath: sourcePath,
	}
	record.RefreshSearchIndex()
	return record
}

// FirstMessage returns the earliest legacy message, or nil.
func (r *Record) FirstMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[0]
}

// LastMessage returns the most recent legacy message, or nil.
func (r *Record) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// MessageCount reports the number of legacy messages.
func (r *Record) MessageCount() int {
	return len(r.Messages)
}

// SearchIndex returns the derived search index, computing it on first use
// for records rehydrated from disk without one.
func (r *Record) SearchIndex() *SearchIndex {
	if index := r.searchIndex.Load(); index != nil {
		return index
	}
	return r.RefreshSearchIndex()
}

// RefreshSearchIndex recomputes the search index from the current content.
func (r *Record) RefreshSearchIndex() *SearchIndex {
	index := newSearchIndex(r)
	r.searchIndex.Store(index)
	return index
}
