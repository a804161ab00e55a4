package diskcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kmckiern/agent-sessions/internal/session"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

type sessionCacheEntry struct {
	Provider   string          `json:"provider"`
	SourcePath string          `json:"source_path"`
	MtimeNS    int64           `json:"mtime_ns"`
	Size       int64           `json:"size"`
	Session    json.RawMessage `json:"session"`
}

type sessionCachePayload struct {
	Version   int                 `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Entries   []sessionCacheEntry `json:"entries"`
}

// SessionCache maps (provider, source path) to a serialized session record,
// validated against the file's (mtime_ns, size) fingerprint.
type SessionCache struct {
	Enabled  bool
	CacheDir string

	mu      sync.Mutex
	entries map[string]sessionCacheEntry
}

// NewSessionCache creates a cache rooted at cacheDir.
func NewSessionCache(cacheDir string, enabled bool) *SessionCache {
	return &SessionCache{
		Enabled:  enabled,
		CacheDir: cacheDir,
		entries:  make(map[string]sessionCacheEntry),
	}
}

// SessionCacheFromEnv builds the cache from environment configuration.
func SessionCacheFromEnv() *SessionCache {
	if Disabled() {
		return NewSessionCache(".", false)
	}
	return NewSessionCache(CacheDirFromEnv(), true)
}

func (c *SessionCache) cachePath() string {
	return filepath.Join(c.CacheDir, sessionCacheFilename)
}

func entryKey(provider, sourcePath string) string {
	return provider + "::" + sourcePath
}

// Load reads the cache file. Missing, malformed, or version-mismatched
// files silently leave the cache empty.
func (c *SessionCache) Load() {
	if !c.Enabled {
		return
	}
	raw, err := os.ReadFile(c.cachePath())
	if err != nil {
		return
	}
	var payload sessionCachePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if payload.Version != SessionCacheVersion {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range payload.Entries {
		if entry.Provider == "" || entry.SourcePath == "" {
			continue
		}
		c.entries[entryKey(entry.Provider, entry.SourcePath)] = entry
	}
}

// Lookup returns the cached record for (provider, path) iff the file's
// current fingerprint matches exactly. Any mismatch is a miss.
func (c *SessionCache) Lookup(provider, path string) *session.Record {
	if !c.Enabled {
		return nil
	}
	fingerprint, ok := PathFingerprint(path)
	if !ok {
		return nil
	}
	c.mu.Lock()
	entry, found := c.entries[entryKey(provider, path)]
	c.mu.Unlock()
	if !found {
		return nil
	}
	if entry.MtimeNS != fingerprint.MtimeNS || entry.Size != fingerprint.Size {
		return nil
	}
	record, err := DeserializeRecord(entry.Session)
	if err != nil {
		telemetry.Warn("discarding undecodable session cache entry for "+path, err)
		return nil
	}
	return record
}

// Store replaces the entry for (provider, path) with a fresh serialization.
// Unstatable paths are skipped.
func (c *SessionCache) Store(provider, path string, record *session.Record) {
	if !c.Enabled {
		return
	}
	fingerprint, ok := PathFingerprint(path)
	if !ok {
		return
	}
	serialized, err := json.Marshal(record)
	if err != nil {
		telemetry.Warn("failed to serialize session record for "+path, err)
		return
	}
	c.mu.Lock()
	c.entries[entryKey(provider, path)] = sessionCacheEntry{
		Provider:   provider,
		SourcePath: path,
		MtimeNS:    fingerprint.MtimeNS,
		Size:       fingerprint.Size,
		Session:    serialized,
	}
	c.mu.Unlock()
}

// Persist atomically writes the whole payload. On failure the cache is
// disabled for the rest of the process but stays usable in memory.
func (c *SessionCache) Persist() {
	if !c.Enabled {
		return
	}
	c.mu.Lock()
	entries := make([]sessionCacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	payload := sessionCachePayload{
		Version:   SessionCacheVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Entries:   entries,
	}
	if err := atomicWriteJSON(c.CacheDir, c.cachePath(), payload); err != nil {
		telemetry.Warn("disabling session disk cache after persist failure", err)
		c.Enabled = false
	}
}
