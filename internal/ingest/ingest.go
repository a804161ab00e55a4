// Package ingest holds the shared machinery providers use to accumulate
// session records: the builder with its dedup keys, record merging, JSONL
// event iteration, and glob-based path discovery.
package ingest

import (
	"bufio"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/session"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// scannerBufPool recycles buffers for bufio.Scanner to reduce allocations.
// 1MB initial buffer (default is 4KB) to reduce resizing, with 10MB max.
var scannerBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 1024*1024)
	},
}

const scannerMaxLine = 10 * 1024 * 1024

// ForEachJSONLEvent iterates the JSONL file at path, invoking fn for every
// line that decodes to a JSON object. Undecodable lines and read errors are
// reported on the debug channel and otherwise ignored.
func ForEachJSONLEvent(filePath string, fn func(event map[string]any)) {
	file, err := os.Open(filePath)
	if err != nil {
		telemetry.Warn("unable to read JSONL file "+filePath, err)
		return
	}
	defer file.Close()

	buf := scannerBufPool.Get().([]byte)
	defer scannerBufPool.Put(buf)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(buf, scannerMaxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			telemetry.Warn("discarding invalid JSON in "+filePath, err)
			continue
		}
		fn(payload)
	}
	if err := scanner.Err(); err != nil {
		telemetry.Warn("unable to read JSONL file "+filePath, err)
	}
}

// IterPaths yields the unique files under baseDir matched by the glob
// patterns, sorted per pattern. Patterns use path.Match syntax per segment;
// a "**" segment matches zero or more directories.
func IterPaths(baseDir string, patterns []string) []string {
	seen := make(map[string]struct{})
	var results []string
	for _, pattern := range patterns {
		matches := globPattern(baseDir, strings.Split(pattern, "/"))
		sort.Strings(matches)
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			results = append(results, match)
		}
	}
	return results
}

func globPattern(dir string, segments []string) []string {
	if len(segments) == 0 {
		return nil
	}
	segment := segments[0]
	rest := segments[1:]

	if segment == "**" {
		// Match zero directories at this level, then recurse into every
		// subdirectory keeping the ** active.
		matches := globPattern(dir, rest)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return matches
		}
		for _, entry := range entries {
			if entry.IsDir() {
				matches = append(matches, globPattern(filepath.Join(dir, entry.Name()), segments)...)
			}
		}
		return matches
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var matches []string
	for _, entry := range entries {
		ok, err := path.Match(segment, entry.Name())
		if err != nil || !ok {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		if len(rest) == 0 {
			if !entry.IsDir() {
				matches = append(matches, full)
			}
			continue
		}
		if entry.IsDir() {
			matches = append(matches, globPattern(full, rest)...)
		}
	}
	return matches
}

type dedupKey struct {
	role      string
	content   string
	timestamp string
}

func timestampKey(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.Format(time.RFC3339Nano)
}

type orderedMessage struct {
	order   int
	message session.Message
}

type orderedNormalized struct {
	order   int
	message session.NormalizedMessage
}

// Builder accumulates per-session state consistently across providers.
type Builder struct {
	Provider    string
	SourcePath  string
	SessionID   string
	WorkingDir  string
	Model       string
	StartedAt   *time.Time
	UpdatedAt   *time.Time
	Diagnostics *session.NormalizationDiagnostics

	// Normalizer is the per-source normalizer a provider lazily attaches
	// while handling events. The builder itself never touches it.
	Normalizer *normalize.Normalizer

	messages       []orderedMessage
	messageKeys    map[dedupKey]struct{}
	normalized     []orderedNormalized
	normalizedKeys map[dedupKey]struct{}
	modelPriority  int
}

// NewBuilder creates a builder for one session source.
func NewBuilder(provider, sourcePath, sessionID string) *Builder {
	return &Builder{
		Provider:       provider,
		SourcePath:     sourcePath,
		SessionID:      sessionID,
		messageKeys:    make(map[dedupKey]struct{}),
		normalizedKeys: make(map[dedupKey]struct{}),
		modelPriority:  -1,
	}
}

// SetSessionID assigns the session id; the first non-empty trimmed value
// wins.
func (b *Builder) SetSessionID(value string) {
	if b.SessionID != "" {
		return
	}
	if candidate := strings.TrimSpace(value); candidate != "" {
		b.SessionID = candidate
	}
}

// RecordTimestamp shrinks StartedAt and expands UpdatedAt.
func (b *Builder) RecordTimestamp(timestamp *time.Time) {
	if timestamp == nil {
		return
	}
	if b.StartedAt == nil || timestamp.Before(*b.StartedAt) {
		b.StartedAt = timestamp
	}
	if b.UpdatedAt == nil || timestamp.After(*b.UpdatedAt) {
		b.UpdatedAt = timestamp
	}
}

// SetWorkingDir keeps the first non-empty working directory.
func (b *Builder) SetWorkingDir(candidate string) {
	if b.WorkingDir != "" {
		return
	}
	if value := strings.TrimSpace(candidate); value != "" {
		b.WorkingDir = value
	}
}

// SetModel assigns the model when priority is at least the current one.
// Providers use priorities to prefer e.g. an assistant message's model over
// the same field on a session header.
func (b *Builder) SetModel(candidate string, priority int) {
	value := strings.TrimSpace(candidate)
	if value == "" {
		return
	}
	if priority >= b.modelPriority {
		b.Model = value
		b.modelPriority = priority
	}
}

// AddMessage appends a legacy message unless its dedup key was seen before.
// Returns whether the message was added.
func (b *Builder) AddMessage(role, content string, createdAt *time.Time) bool {
	text := strings.TrimSpace(content)
	messageRole := strings.TrimSpace(role)
	if messageRole == "" {
		messageRole = "event"
	}

	key := dedupKey{role: messageRole, content: text, timestamp: timestampKey(createdAt)}
	if _, ok := b.messageKeys[key]; ok {
		return false
	}
	b.messageKeys[key] = struct{}{}

	b.messages = append(b.messages, orderedMessage{
		order:   len(b.messages),
		message: session.Message{Role: messageRole, Content: text, CreatedAt: createdAt},
	})
	b.RecordTimestamp(createdAt)
	return true
}

// AddNormalized appends a normalized message unless its dedup key (role,
// rendered content, timestamp) was seen before. Returns whether it was added.
func (b *Builder) AddNormalized(message *session.NormalizedMessage) bool {
	if message == nil || (len(message.Parts) == 0 && message.Role == "") {
		return false
	}

	key := dedupKey{
		role:      message.Role,
		content:   session.RenderLegacyContent(message),
		timestamp: timestampKey(message.Timestamp),
	}
	if _, ok := b.normalizedKeys[key]; ok {
		return false
	}
	b.normalizedKeys[key] = struct{}{}

	b.normalized = append(b.normalized, orderedNormalized{
		order:   len(b.normalized),
		message: *message,
	})
	b.RecordTimestamp(message.Timestamp)
	return true
}

// MergeDiagnostics sums incoming counters into the builder's diagnostics.
func (b *Builder) MergeDiagnostics(incoming *session.NormalizationDiagnostics) {
	if incoming == nil {
		return
	}
	if b.Diagnostics == nil {
		b.Diagnostics = &session.NormalizationDiagnostics{}
	}
	b.Diagnostics.Merge(incoming)
}

// IngestRecord folds an existing record into the builder, deduplicating
// messages by role/content/timestamp.
func (b *Builder) IngestRecord(record *session.Record, priority int) {
	b.RecordTimestamp(record.StartedAt)
	b.RecordTimestamp(record.UpdatedAt)
	if record.Diagnostics != nil {
		b.MergeDiagnostics(record.Diagnostics)
	}
	if b.WorkingDir == "" {
		b.SetWorkingDir(record.WorkingDir)
	}
	if record.Model != "" {
		b.SetModel(record.Model, priority)
	}
	for i := range record.Normalized {
		b.AddNormalized(&record.Normalized[i])
	}
	for _, message := range record.Messages {
		b.AddMessage(message.Role, message.Content, message.CreatedAt)
	}
}

func sortKey(ts *time.Time) int64 {
	if ts == nil {
		return -1 << 62
	}
	return ts.UnixNano()
}

// Build assembles the final record. Returns nil when nothing meaningful was
// accumulated (no messages, no timestamps, no model). Messages are ordered
// by timestamp ascending with missing timestamps first, stable by insertion.
func (b *Builder) Build() *session.Record {
	return b.BuildWithSessionID("")
}

// BuildWithSessionID is Build with an explicit session id override.
func (b *Builder) BuildWithSessionID(sessionID string) *session.Record {
	finalID := sessionID
	if finalID == "" {
		finalID = b.SessionID
	}
	if finalID == "" {
		finalID = strings.TrimSuffix(filepath.Base(b.SourcePath), filepath.Ext(b.SourcePath))
	}

	if len(b.messages) == 0 && b.StartedAt == nil && b.UpdatedAt == nil && b.Model == "" {
		return nil
	}

	sortedNormalized := append([]orderedNormalized(nil), b.normalized...)
	sort.SliceStable(sortedNormalized, func(i, j int) bool {
		return sortKey(sortedNormalized[i].message.Timestamp) < sortKey(sortedNormalized[j].message.Timestamp)
	})
	normalized := make([]session.NormalizedMessage, 0, len(sortedNormalized))
	for _, item := range sortedNormalized {
		normalized = append(normalized, item.message)
	}

	sortedMessages := append([]orderedMessage(nil), b.messages...)
	sort.SliceStable(sortedMessages, func(i, j int) bool {
		return sortKey(sortedMessages[i].message.CreatedAt) < sortKey(sortedMessages[j].message.CreatedAt)
	})
	messages := make([]session.Message, 0, len(sortedMessages))
	for _, item := range sortedMessages {
		messages = append(messages, item.message)
	}

	if len(messages) == 0 && len(normalized) > 0 {
		messages = make([]session.Message, 0, len(normalized))
		for i := range normalized {
			messages = append(messages, session.Message{
				Role:      normalized[i].Role,
				Content:   session.RenderLegacyContent(&normalized[i]),
				CreatedAt: normalized[i].Timestamp,
			})
		}
	}

	record := session.NewRecord(b.Provider, finalID, b.SourcePath)
	record.StartedAt = b.StartedAt
	record.UpdatedAt = b.UpdatedAt
	record.WorkingDir = b.WorkingDir
	record.Model = b.Model
	record.Messages = messages
	record.Normalized = normalized
	record.Diagnostics = b.Diagnostics
	record.RefreshSearchIndex()
	return record
}

// MergeSessionRecords combines two records while deduplicating messages.
//
// The primary record always wins for identifiers; timestamps are merged so
// the earliest start and latest update survive, and the incoming record's
// model metadata is preferred. Dedup keys make repeated merges idempotent.
func MergeSessionRecords(primary, incoming *session.Record) *session.Record {
	builder := NewBuilder(primary.Provider, primary.SourcePath, primary.SessionID)
	builder.WorkingDir = primary.WorkingDir
	builder.Model = primary.Model
	builder.RecordTimestamp(primary.StartedAt)
	builder.RecordTimestamp(primary.UpdatedAt)
	builder.IngestRecord(primary, 1)
	builder.IngestRecord(incoming, 2)
	builder.RecordTimestamp(incoming.StartedAt)
	builder.RecordTimestamp(incoming.UpdatedAt)
	if builder.WorkingDir == "" {
		builder.SetWorkingDir(incoming.WorkingDir)
	}
	if merged := builder.BuildWithSessionID(primary.SessionID); merged != nil {
		return merged
	}
	return primary
}
