// Package claudecode loads Anthropic Claude Code CLI sessions from two
// sources: line-delimited JSON project logs under ~/.claude/projects and the
// embedded sqlite store __store.db. Store records carry a "store:"-prefixed
// session id; records are merged only when their session ids are equal, so a
// log and a store conversation with the same underlying id stay separate.
package claudecode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/session"
)

const (
	providerName  = "claude-code"
	envVar        = "CLAUDE_HOME"
	homeSubdir    = ".claude"
	storeFilename = "__store.db"
)

var globPatterns = []string{"projects/*/**/*.jsonl"}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func init() {
	provider.Register(provider.Entry{
		Slug:         providerName,
		Label:        "claude",
		EnvVar:       envVar,
		DefaultPaths: []string{"~/.claude/projects", "~/.claude/__store.db"},
		New:          func() provider.Provider { return New("") },
	})
}

// Provider reads Claude Code project logs and the embedded store.
type Provider struct {
	provider.Base

	workdirCache map[string]string
}

// New creates the provider; an empty baseDir resolves from CLAUDE_HOME or
// ~/.claude.
func New(baseDir string) *Provider {
	return &Provider{
		Base:         provider.NewBase(providerName, envVar, homeSubdir, globPatterns, baseDir),
		workdirCache: make(map[string]string),
	}
}

// SessionIDFromPath derives a compact, human-friendly session id from a log
// path.
func (p *Provider) SessionIDFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if uuidPattern.MatchString(stem) {
		return stem
	}

	var parts []string
	for _, part := range strings.Split(stem, "-") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) >= 5 {
		return strings.Join(parts[len(parts)-5:], "-")
	}
	if len(stem) >= 8 {
		return stem
	}
	parent := filepath.Base(filepath.Dir(path))
	if parent != "" && parent != "." {
		return parent + ":" + stem
	}
	return stem
}

// CreateBuilder starts a builder seeded with the project directory's
// working directory metadata when present.
func (p *Provider) CreateBuilder(path string) *ingest.Builder {
	builder := ingest.NewBuilder(providerName, path, p.SessionIDFromPath(path))
	builder.SetWorkingDir(p.projectWorkdirFor(path))
	return builder
}

// HandleEvent folds one log event into the builder.
func (p *Provider) HandleEvent(builder *ingest.Builder, event map[string]any) {
	timestamp := eventTimestamp(event)
	builder.RecordTimestamp(timestamp)

	if builder.WorkingDir == "" {
		builder.SetWorkingDir(eventWorkdir(event))
	}

	payload, _ := event["message"].(map[string]any)
	if payload == nil {
		return
	}

	if model, ok := payload["model"].(string); ok && strings.TrimSpace(model) != "" {
		priority := 1
		if payload["role"] == "assistant" {
			priority = 2
		}
		builder.SetModel(model, priority)
	}

	if builder.Normalizer == nil {
		builder.Normalizer = normalize.New(providerName)
	}
	normalized := builder.Normalizer.NormalizeMessage(payload, normalize.Overrides{Timestamp: timestamp})
	builder.Diagnostics = builder.Normalizer.Diagnostics
	if normalized != nil {
		builder.AddNormalized(normalized)
	}
}

// Sessions enumerates the project logs and adds the store-backed records,
// merging a store record into a log record only when their session ids are
// equal.
func (p *Provider) Sessions() ([]*session.Record, error) {
	records := make(map[string]*session.Record)
	order := make([]string, 0)
	for _, path := range p.SessionPaths() {
		record := p.BuildSessionCached(p, path)
		if record == nil {
			continue
		}
		if _, ok := records[record.SessionID]; !ok {
			order = append(order, record.SessionID)
		}
		records[record.SessionID] = record
	}

	for _, record := range loadStoreSessions(p.storePath()) {
		if existing, ok := records[record.SessionID]; ok {
			records[record.SessionID] = ingest.MergeSessionRecords(existing, record)
		} else {
			order = append(order, record.SessionID)
			records[record.SessionID] = record
		}
	}

	collected := make([]*session.Record, 0, len(records))
	for _, id := range order {
		collected = append(collected, records[id])
	}
	return provider.SortRecords(collected), nil
}

// CacheValidationPaths covers the project logs plus the store database, so
// store-only updates also invalidate the snapshot.
func (p *Provider) CacheValidationPaths() []string {
	paths := p.SessionPaths()
	if store := p.storePath(); store != "" {
		if _, err := os.Stat(store); err == nil {
			paths = append(paths, store)
		}
	}
	return paths
}

func (p *Provider) storePath() string {
	return filepath.Join(p.BaseDir(), storeFilename)
}

// projectWorkdirFor resolves the working directory recorded in the project
// directory's metadata files, caching per project directory.
func (p *Provider) projectWorkdirFor(path string) string {
	projectsRoot := filepath.Join(p.BaseDir(), "projects")
	rel, err := filepath.Rel(projectsRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	projectDir := filepath.Join(projectsRoot, parts[0])
	if cached, ok := p.workdirCache[projectDir]; ok {
		return cached
	}
	workdir := projectWorkdir(projectDir)
	p.workdirCache[projectDir] = workdir
	return workdir
}

var projectMetadataFiles = []string{
	"project.json",
	"metadata.json",
	"project_metadata.json",
	"manifest.json",
}

var workdirKeys = []string{"absolutePath", "projectPath", "workspaceRoot", "rootPath", "path"}

func projectWorkdir(projectDir string) string {
	for _, name := range projectMetadataFiles {
		candidate := filepath.Join(projectDir, name)
		raw, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		for _, key := range workdirKeys {
			if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
				return value
			}
		}
		for _, container := range []string{"project", "workspace", "meta"} {
			nested, ok := payload[container].(map[string]any)
			if !ok {
				continue
			}
			for _, key := range workdirKeys {
				if value, ok := nested[key].(string); ok && strings.TrimSpace(value) != "" {
					return value
				}
			}
		}
	}
	return ""
}

func eventTimestamp(event map[string]any) *time.Time {
	payload, _ := event["message"].(map[string]any)
	candidates := []any{
		event["timestamp"],
		event["created_at"],
		event["time"],
		event["ts"],
	}
	if payload != nil {
		candidates = append(candidates, payload["timestamp"], payload["createdAt"])
	}
	return session.ParseTimestamp(session.Coalesce(candidates...))
}

func eventWorkdir(event map[string]any) string {
	candidates := []any{
		event["cwd"],
		event["workspace_root"],
		event["project_path"],
	}
	for _, key := range []string{"workspace", "project", "session", "context"} {
		if nested, ok := event[key].(map[string]any); ok {
			candidates = append(candidates,
				nested["cwd"], nested["workspace_root"], nested["project_path"],
				nested["root"], nested["path"])
		}
	}
	for _, candidate := range candidates {
		if value, ok := candidate.(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
