// Package geminicli loads Google Gemini CLI sessions: whole-file JSON
// checkpoints scattered across the CLI's tmp, history, and checkpoint
// directories.
package geminicli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/session"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

const (
	providerName = "gemini-cli"
	envVar       = "GEMINI_HOME"
	homeSubdir   = ".gemini"
)

func init() {
	provider.Register(provider.Entry{
		Slug:   providerName,
		Label:  "gemini",
		EnvVar: envVar,
		DefaultPaths: []string{
			"~/.gemini",
			"~/.config/google-generative-ai",
			"~/.local/share/google-generative-ai",
			"%APPDATA%/google/generative-ai",
		},
		New: func() provider.Provider { return New("") },
	})
}

// Provider reads Gemini CLI checkpoint files.
type Provider struct {
	provider.Base
}

// New creates the provider; an empty baseDir resolves from GEMINI_HOME or
// ~/.gemini.
func New(baseDir string) *Provider {
	return &Provider{Base: provider.NewBase(providerName, envVar, homeSubdir, nil, baseDir)}
}

// SessionPaths enumerates candidate checkpoint files across every known
// Gemini data root.
func (p *Provider) SessionPaths() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(paths []string) {
		for _, path := range paths {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			candidates = append(candidates, path)
		}
	}

	for _, root := range p.roots() {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		add(ingest.IterPaths(filepath.Join(root, "tmp"), []string{
			"**/chats/*.json",
			"**/checkpoints/*.json",
			"**/session-*.json",
			"**/chat-*.json",
		}))
		add(ingest.IterPaths(filepath.Join(root, "history"), []string{"**/*.json"}))
		add(ingest.IterPaths(root, []string{"checkpoints/*.json", "checkpoints/**/*.json"}))
	}
	sort.Strings(candidates)
	return candidates
}

// CacheValidationPaths mirrors SessionPaths.
func (p *Provider) CacheValidationPaths() []string {
	return p.SessionPaths()
}

func (p *Provider) roots() []string {
	roots := []string{p.BaseDir()}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	configCandidates := []string{
		filepath.Join(home, ".config", "google-generative-ai"),
		filepath.Join(home, ".local", "share", "google-generative-ai"),
		filepath.Join(home, "Library", "Application Support", "google", "generative-ai"),
	}
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		configCandidates = append(configCandidates, filepath.Join(appdata, "google", "generative-ai"))
	}
	for _, candidate := range configCandidates {
		if candidate != roots[0] {
			roots = append(roots, candidate)
		}
	}
	return roots
}

// Sessions enumerates checkpoints, deduplicating by session id in favor of
// the most recently updated file.
func (p *Provider) Sessions() ([]*session.Record, error) {
	records := make(map[string]*session.Record)
	for _, path := range p.SessionPaths() {
		record := p.buildSessionCached(path)
		if record == nil {
			continue
		}
		existing := records[record.SessionID]
		if existing == nil || recordSortKey(record) > recordSortKey(existing) {
			records[record.SessionID] = record
		}
	}

	collected := make([]*session.Record, 0, len(records))
	for _, record := range records {
		collected = append(collected, record)
	}
	return provider.SortRecords(collected), nil
}

func (p *Provider) buildSessionCached(path string) *session.Record {
	if cache := p.Cache(); cache != nil {
		if record := cache.Lookup(providerName, path); record != nil {
			return record
		}
	}
	record := p.buildSessionFromPath(path)
	if record != nil {
		if cache := p.Cache(); cache != nil {
			cache.Store(providerName, path, record)
		}
	}
	return record
}

func (p *Provider) buildSessionFromPath(path string) *session.Record {
	raw, err := os.ReadFile(path)
	if err != nil {
		telemetry.Warn("unable to read Gemini checkpoint "+path, err)
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		telemetry.Warn("discarding invalid Gemini checkpoint "+path, err)
		return nil
	}

	builder := ingest.NewBuilder(providerName, path, "")
	builder.SetSessionID(sessionIDFromPayload(payload, path))
	builder.SetWorkingDir(payloadWorkdir(payload))

	startedAt := session.ParseTimestamp(payload["startTime"])
	updatedAt := session.ParseTimestamp(payload["lastUpdated"])
	builder.RecordTimestamp(startedAt)
	builder.RecordTimestamp(updatedAt)

	normalizer := normalize.New(providerName)
	messages, model := payloadMessages(payload, normalizer)
	builder.Diagnostics = normalizer.Diagnostics
	for i := range messages {
		builder.AddNormalized(&messages[i])
	}

	if model != "" {
		builder.SetModel(model, 2)
	}

	if (startedAt == nil || updatedAt == nil) && len(messages) > 0 {
		var earliest, latest *time.Time
		for i := range messages {
			ts := messages[i].Timestamp
			if ts == nil {
				continue
			}
			if earliest == nil || ts.Before(*earliest) {
				earliest = ts
			}
			if latest == nil || ts.After(*latest) {
				latest = ts
			}
		}
		builder.RecordTimestamp(earliest)
		builder.RecordTimestamp(latest)
	}

	return builder.Build()
}

func sessionIDFromPayload(payload map[string]any, path string) string {
	var conversationID any
	if conversation, ok := payload["conversation"].(map[string]any); ok {
		conversationID = conversation["id"]
	}
	candidate := session.CoalesceString(
		payload["sessionId"],
		payload["session_id"],
		payload["conversationId"],
		payload["conversation_id"],
		conversationID,
		payload["checkpoint_id"],
	)
	if candidate != "" {
		return candidate
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parent := filepath.Base(filepath.Dir(path))
	if parent != "checkpoints" && parent != "history" {
		return parent + ":" + stem
	}
	grandparent := filepath.Dir(filepath.Dir(path))
	if rel, err := filepath.Rel(grandparent, path); err == nil {
		return rel
	}
	return stem
}

// payloadMessages normalizes the checkpoint message list, deduplicating by
// role/content/timestamp, and surfaces the first model it encounters.
func payloadMessages(payload map[string]any, normalizer *normalize.Normalizer) ([]session.NormalizedMessage, string) {
	rawMessages, ok := payload["messages"].([]any)
	if !ok {
		return nil, ""
	}

	type seenKey struct {
		role      string
		content   string
		timestamp string
	}
	seen := make(map[seenKey]struct{})
	var foundModel string
	var normalized []session.NormalizedMessage

	for _, raw := range rawMessages {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role := session.CoalesceString(entry["role"], entry["type"], entry["speaker"])

		timestamp := session.ParseTimestamp(session.Coalesce(
			entry["timestamp"],
			entry["create_time"],
			entry["created_at"],
			entry["time"],
			entry["ts"],
		))

		message := normalizer.NormalizeMessage(entry, normalize.Overrides{Timestamp: timestamp, Role: role})
		if message == nil {
			continue
		}

		content := entry["content"]
		if _, ok := entry["content"]; !ok {
			content = entry["parts"]
		}
		key := seenKey{
			role:    message.Role,
			content: strings.TrimSpace(session.StringifyContent(content)),
		}
		if timestamp != nil {
			key.timestamp = timestamp.Format(time.RFC3339Nano)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, *message)

		if foundModel == "" {
			candidate, _ := entry["model"].(string)
			if candidate == "" {
				if metadata, ok := entry["metadata"].(map[string]any); ok {
					candidate, _ = metadata["model"].(string)
				}
			}
			foundModel = strings.TrimSpace(candidate)
		}
	}

	if foundModel == "" {
		if candidate, ok := payload["model"].(string); ok {
			foundModel = strings.TrimSpace(candidate)
		}
	}

	return normalized, foundModel
}

func payloadWorkdir(payload map[string]any) string {
	var candidates []any
	for _, key := range []string{
		"cwd", "working_directory", "workspace_root", "project_root",
		"projectPath", "workingDir", "root",
	} {
		candidates = append(candidates, payload[key])
	}
	if metadata, ok := payload["metadata"].(map[string]any); ok {
		projectMeta := metadata
		if nested, ok := metadata["project"].(map[string]any); ok {
			projectMeta = nested
		}
		for _, key := range []string{"cwd", "root", "workspace", "workspace_root"} {
			candidates = append(candidates, projectMeta[key])
		}
	}
	if project, ok := payload["project"].(map[string]any); ok {
		for _, key := range []string{"cwd", "workspace_root", "root"} {
			candidates = append(candidates, project[key])
		}
	}
	for _, candidate := range candidates {
		if value, ok := candidate.(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func recordSortKey(record *session.Record) int64 {
	if record.UpdatedAt != nil {
		return record.UpdatedAt.UnixNano()
	}
	if record.StartedAt != nil {
		return record.StartedAt.UnixNano()
	}
	return -1 << 62
}
