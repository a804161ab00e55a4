// Package provider defines the capability contract session providers expose
// to the core, plus the shared base most file-backed providers assemble
// their Sessions implementation from.
package provider

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/kmckiern/agent-sessions/internal/diskcache"
	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/session"
)

// Provider is the capability set the session service consumes.
type Provider interface {
	// Name returns the stable provider slug (e.g. "openai-codex").
	Name() string
	// BaseDir returns the provider's expanded base directory.
	BaseDir() string
	// EnvVar returns the home-override environment variable name, or "".
	EnvVar() string
	// GlobPatterns returns the transcript glob patterns relative to BaseDir.
	GlobPatterns() []string
	// CacheValidationPaths enumerates the files whose fingerprints define
	// snapshot freshness for this provider.
	CacheValidationPaths() []string
	// Sessions fully enumerates the provider's session records. It may
	// consult the attached per-file cache.
	Sessions() ([]*session.Record, error)
	// LoadSessionFromSourcePath is the optional fast path for direct opens.
	// Providers without one return nil, nil.
	LoadSessionFromSourcePath(sourcePath, sessionID string) (*session.Record, error)
	// AttachCache shares the per-file disk cache with the provider.
	AttachCache(cache *diskcache.SessionCache)
}

// EventHandler is the per-provider hook set Base assembles Sessions from:
// enumerate paths, iterate events, build a record per path.
type EventHandler interface {
	SessionIDFromPath(path string) string
	CreateBuilder(path string) *ingest.Builder
	HandleEvent(builder *ingest.Builder, event map[string]any)
}

// Base carries the configuration shared by file-backed providers.
type Base struct {
	name         string
	envVar       string
	homeSubdir   string
	globPatterns []string
	baseDir      string
	cache        *diskcache.SessionCache
}

// NewBase builds the shared provider state. An empty baseDir falls back to
// the environment override, then to the home subdirectory.
func NewBase(name, envVar, homeSubdir string, globPatterns []string, baseDir string) Base {
	if baseDir == "" {
		baseDir = defaultBaseDir(envVar, homeSubdir)
	}
	return Base{
		name:         name,
		envVar:       envVar,
		homeSubdir:   homeSubdir,
		globPatterns: globPatterns,
		baseDir:      baseDir,
	}
}

func defaultBaseDir(envVar, homeSubdir string) string {
	if envVar != "" {
		if value := os.Getenv(envVar); value != "" {
			return diskcache.ExpandUser(value)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, homeSubdir)
}

// Name returns the provider slug.
func (b *Base) Name() string { return b.name }

// BaseDir returns the provider's base directory.
func (b *Base) BaseDir() string { return b.baseDir }

// EnvVar returns the home-override environment variable name.
func (b *Base) EnvVar() string { return b.envVar }

// GlobPatterns returns the transcript glob patterns.
func (b *Base) GlobPatterns() []string { return b.globPatterns }

// AttachCache shares the per-file disk cache.
func (b *Base) AttachCache(cache *diskcache.SessionCache) { b.cache = cache }

// Cache returns the attached per-file cache, or nil.
func (b *Base) Cache() *diskcache.SessionCache { return b.cache }

// SessionPaths returns the transcript paths considered for ingestion.
func (b *Base) SessionPaths() []string {
	if len(b.globPatterns) == 0 {
		return nil
	}
	return ingest.IterPaths(b.baseDir, b.globPatterns)
}

// CacheValidationPaths defaults to the discovered transcript paths.
// Providers with extra non-transcript sources override this.
func (b *Base) CacheValidationPaths() []string {
	return b.SessionPaths()
}

// LoadSessionFromSourcePath is a no-op by default.
func (b *Base) LoadSessionFromSourcePath(sourcePath, sessionID string) (*session.Record, error) {
	return nil, nil
}

// BuildSessionFromPath parses one transcript into a record via the handler
// hooks. Returns nil when the builder accumulated nothing.
func (b *Base) BuildSessionFromPath(handler EventHandler, path string) *session.Record {
	builder := handler.CreateBuilder(path)
	ingest.ForEachJSONLEvent(path, func(event map[string]any) {
		handler.HandleEvent(builder, event)
	})
	return builder.Build()
}

// BuildSessionCached is BuildSessionFromPath behind the per-file cache.
func (b *Base) BuildSessionCached(handler EventHandler, path string) *session.Record {
	if b.cache != nil {
		if record := b.cache.Lookup(b.name, path); record != nil {
			return record
		}
	}
	record := b.BuildSessionFromPath(handler, path)
	if record != nil && b.cache != nil {
		b.cache.Store(b.name, path, record)
	}
	return record
}

// CollectSessions builds a record for every discovered transcript path.
func (b *Base) CollectSessions(handler EventHandler) []*session.Record {
	var records []*session.Record
	for _, path := range b.SessionPaths() {
		if record := b.BuildSessionCached(handler, path); record != nil {
			records = append(records, record)
		}
	}
	return records
}

// SortRecords orders records by most recent activity, descending.
func SortRecords(records []*session.Record) []*session.Record {
	sorted := append([]*session.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return recordSortKey(sorted[i]) > recordSortKey(sorted[j])
	})
	return sorted
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
