// Package diskcache implements the two disk tiers backing session
// discovery: a per-file session cache validated by (mtime_ns, size)
// fingerprints, and an aggregate metadata snapshot with multi-directory
// fallback. Both degrade to in-memory-only operation on write failure.
package diskcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// SessionCacheVersion tags the per-file cache payload.
	SessionCacheVersion = 1
	// MetadataCacheVersion tags the snapshot payload envelope.
	MetadataCacheVersion = 1
	// MetadataSchemaVersion tags the serialized record schema.
	MetadataSchemaVersion = 1

	workspaceCacheDirname = ".agent-sessions-cache"

	sessionCacheFilename  = "session_cache.json"
	metadataCacheFilename = "metadata_snapshot.json"
)

var truthyEnv = map[string]struct{}{"1": {}, "true": {}, "yes": {}, "on": {}}

func envTruthy(name string) bool {
	_, ok := truthyEnv[strings.ToLower(strings.TrimSpace(os.Getenv(name)))]
	return ok
}

// Disabled reports whether the disk caches are turned off by environment.
func Disabled() bool {
	return envTruthy("AGENT_SESSIONS_DISABLE_DISK_CACHE")
}

// ExpandUser expands a leading ~ to the user's home directory.
func ExpandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// DefaultCacheDir returns the platform cache directory for this tool:
// XDG_CACHE_HOME when set, the Caches directory on macOS, ~/.cache
// elsewhere.
func DefaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "agent-sessions")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches", "agent-sessions")
	}
	return filepath.Join(home, ".cache", "agent-sessions")
}

// CacheDirFromEnv returns the primary cache directory, honoring the
// AGENT_SESSIONS_CACHE_DIR override.
func CacheDirFromEnv() string {
	if value := strings.TrimSpace(os.Getenv("AGENT_SESSIONS_CACHE_DIR")); value != "" {
		return ExpandUser(value)
	}
	return DefaultCacheDir()
}

// MetadataCacheDirCandidates returns the ordered candidate directories for
// the metadata snapshot: env override, home cache, workspace fallback.
// Duplicates are removed preserving order.
func MetadataCacheDirCandidates() []string {
	var candidates []string
	if value := strings.TrimSpace(os.Getenv("AGENT_SESSIONS_CACHE_DIR")); value != "" {
		candidates = append(candidates, ExpandUser(value))
	}
	candidates = append(candidates, DefaultCacheDir())
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, workspaceCacheDirname))
	}

	seen := make(map[string]struct{}, len(candidates))
	unique := candidates[:0]
	for _, candidate := range candidates {
		normalized := filepath.Clean(ExpandUser(candidate))
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		unique = append(unique, candidate)
	}
	return unique
}

// Fingerprint identifies a file's content state for cache validation.
type Fingerprint struct {
	MtimeNS int64
	Size    int64
}

// PathFingerprint stats path and returns its fingerprint. The second return
// is false when the file cannot be statted.
func PathFingerprint(path string) (Fingerprint, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, false
	}
	return Fingerprint{MtimeNS: info.ModTime().UnixNano(), Size: info.Size()}, true
}

// atomicWriteJSON serializes payload to a .tmp sibling and renames it into
// place. Returns the write error, if any.
func atomicWriteJSON(cacheDir, cachePath string, payload any) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	tmpPath := strings.TrimSuffix(cachePath, filepath.Ext(cachePath)) + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, cachePath)
}
