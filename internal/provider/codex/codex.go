// Package codex loads OpenAI Codex CLI rollouts: line-delimited JSON files
// under ~/.codex/sessions with typed payload envelopes.
package codex

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/diskcache"
	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/session"
)

const (
	providerName = "openai-codex"
	envVar       = "CODEX_HOME"
	homeSubdir   = ".codex"
)

var globPatterns = []string{"sessions/*/*/*/*.jsonl"}

func init() {
	provider.Register(provider.Entry{
		Slug:         providerName,
		Label:        "codex",
		EnvVar:       envVar,
		DefaultPaths: []string{"~/.codex/sessions"},
		New:          func() provider.Provider { return New("") },
	})
}

// Provider reads Codex rollout transcripts.
type Provider struct {
	provider.Base
}

// New creates the provider; an empty baseDir resolves from CODEX_HOME or
// ~/.codex.
func New(baseDir string) *Provider {
	return &Provider{Base: provider.NewBase(providerName, envVar, homeSubdir, globPatterns, baseDir)}
}

// SessionIDFromPath derives the session id from a rollout filename, which
// embeds a UUID in its last five dash-separated segments.
func (p *Provider) SessionIDFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(stem, "-")
	if len(parts) >= 5 {
		return strings.Join(parts[len(parts)-5:], "-")
	}
	return stem
}

// CreateBuilder starts a builder for one rollout file.
func (p *Provider) CreateBuilder(path string) *ingest.Builder {
	return ingest.NewBuilder(providerName, path, p.SessionIDFromPath(path))
}

// Sessions enumerates all rollouts, most recent first.
func (p *Provider) Sessions() ([]*session.Record, error) {
	return provider.SortRecords(p.CollectSessions(p)), nil
}

// LoadSessionFromSourcePath parses a single rollout when the path resolves
// inside the provider's base directory.
func (p *Provider) LoadSessionFromSourcePath(sourcePath, sessionID string) (*session.Record, error) {
	target, ok := resolveWithin(p.BaseDir(), sourcePath)
	if !ok {
		return nil, nil
	}
	record := p.BuildSessionCached(p, target)
	if record == nil {
		return nil, nil
	}
	if sessionID != "" && record.SessionID != sessionID {
		return nil, nil
	}
	return record, nil
}

// HandleEvent folds one rollout event into the builder.
func (p *Provider) HandleEvent(builder *ingest.Builder, event map[string]any) {
	timestamp := eventTimestamp(event)
	builder.RecordTimestamp(timestamp)

	if builder.WorkingDir == "" {
		builder.SetWorkingDir(eventWorkdir(event))
	}

	if model, priority := eventModel(event); model != "" {
		builder.SetModel(model, priority)
	}

	payload, ok := event["payload"].(map[string]any)
	if !ok || !shouldNormalizePayload(payload) {
		return
	}
	if builder.Normalizer == nil {
		builder.Normalizer = normalize.New(providerName)
	}
	normalized := builder.Normalizer.NormalizeMessage(payload, normalize.Overrides{
		Timestamp: timestamp,
		Role:      session.CoalesceString(payload["role"], event["role"]),
	})
	builder.Diagnostics = builder.Normalizer.Diagnostics
	if normalized != nil {
		builder.AddNormalized(normalized)
	}
}

func eventTimestamp(event map[string]any) *time.Time {
	return session.ParseTimestamp(session.Coalesce(
		event["timestamp"],
		event["created_at"],
		event["time"],
		event["ts"],
		event["stored_at"],
	))
}

func eventWorkdir(event map[string]any) string {
	sources := []map[string]any{event}
	if payload, ok := event["payload"].(map[string]any); ok {
		sources = append(sources, payload)
	}

	for _, source := range sources {
		candidates := []any{
			source["cwd"],
			source["workspace_root"],
			source["project_root"],
			source["working_directory"],
			source["root"],
			source["workspace"],
		}
		for _, key := range []string{"command", "shell", "run", "workspace"} {
			if nested, ok := source[key].(map[string]any); ok {
				candidates = append(candidates,
					nested["cwd"], nested["root"], nested["workspace_root"], nested["project_root"])
			}
		}
		for _, candidate := range candidates {
			if value, ok := candidate.(string); ok && strings.TrimSpace(value) != "" {
				return value
			}
		}
	}
	return ""
}

// eventModel finds a model name with its priority: an assistant message's
// model beats a turn-context model, which beats a top-level one.
func eventModel(event map[string]any) (string, int) {
	if payload, ok := event["payload"].(map[string]any); ok {
		if model, ok := payload["model"].(string); ok && strings.TrimSpace(model) != "" {
			if payload["role"] == "assistant" {
				return model, 2
			}
			return model, 1
		}
		if context, ok := payload["context"].(map[string]any); ok {
			if model, ok := context["model"].(string); ok && strings.TrimSpace(model) != "" {
				return model, 1
			}
		}
	}
	if model, ok := event["model"].(string); ok && strings.TrimSpace(model) != "" {
		return model, 0
	}
	return "", -1
}

func shouldNormalizePayload(payload map[string]any) bool {
	payloadType := strings.ToLower(strings.TrimSpace(session.CoalesceString(payload["type"])))
	switch payloadType {
	case "message",
		"tool_result", "tool-result", "tool_output", "tool-output",
		"tool_call", "tool-call", "tool_use", "tool-use":
		return true
	}
	for _, key := range []string{"content", "parts", "tool_calls", "function_call"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}

// resolveWithin expands and resolves target, requiring it to be a file
// inside baseDir.
func resolveWithin(baseDir, target string) (string, bool) {
	expanded := diskcache.ExpandUser(target)
	resolved, err := filepath.Abs(expanded)
	if err != nil {
		return "", false
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	base, err := filepath.Abs(diskcache.ExpandUser(baseDir))
	if err != nil {
		return "", false
	}
	if real, err := filepath.EvalSymlinks(base); err == nil {
		base = real
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "", false
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}
