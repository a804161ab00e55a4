package diskcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kmckiern/agent-sessions/internal/session"
)

// Metadata cache statuses.
const (
	StatusHit          = "hit"
	StatusMiss         = "miss"
	StatusWriteFail    = "write_fail"
	StatusFallbackHit  = "fallback_hit"
	StatusFallbackFail = "fallback_fail"
)

// Attempt outcomes.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// ManifestKey identifies one manifest entry.
type ManifestKey struct {
	Provider   string
	SourcePath string
}

// Manifest maps (provider, canonical source path) to a file fingerprint.
type Manifest map[ManifestKey]Fingerprint

// Attempt records one candidate directory probe during load or persist.
type Attempt struct {
	CacheDir  string
	CachePath string
	Outcome   string
	Error     string
}

// Snapshot is the decoded aggregate metadata snapshot.
type Snapshot struct {
	CacheKey     string
	ManifestHash string
	Manifest     Manifest
	Sessions     []*session.Record
}

// LoadResult reports the outcome of a snapshot load across candidates.
type LoadResult struct {
	Status    string
	Snapshot  *Snapshot
	CacheDir  string
	CachePath string
	Attempts  []Attempt
}

// PersistResult reports the outcome of a snapshot persist across candidates.
type PersistResult struct {
	Status    string
	CacheDir  string
	CachePath string
	Attempts  []Attempt
}

type manifestEntryPayload struct {
	Provider   string `json:"provider"`
	SourcePath string `json:"source_path"`
	MtimeNS    int64  `json:"mtime_ns"`
	Size       int64  `json:"size"`
}

type metadataPayload struct {
	Version       int                    `json:"version"`
	SchemaVersion int                    `json:"schema_version"`
	UpdatedAt     string                 `json:"updated_at"`
	CacheKey      string                 `json:"cache_key"`
	ManifestHash  string                 `json:"manifest_hash"`
	Manifest      []manifestEntryPayload `json:"manifest"`
	Sessions      []json.RawMessage      `json:"sessions"`
}

// MetadataCache persists the aggregate snapshot with ordered candidate
// directory fallback.
type MetadataCache struct {
	Enabled   bool
	CacheDir  string
	CachePath string

	cacheDirs []string
}

// NewMetadataCache creates a cache over the given candidate directories;
// the first is primary.
func NewMetadataCache(cacheDirs []string, enabled bool) *MetadataCache {
	primary := "."
	if len(cacheDirs) > 0 {
		primary = cacheDirs[0]
	}
	return &MetadataCache{
		Enabled:   enabled,
		CacheDir:  primary,
		CachePath: filepath.Join(primary, metadataCacheFilename),
		cacheDirs: append([]string(nil), cacheDirs...),
	}
}

// MetadataCacheFromEnv builds the cache from environment configuration.
func MetadataCacheFromEnv() *MetadataCache {
	if Disabled() {
		return NewMetadataCache([]string{"."}, false)
	}
	return NewMetadataCache(MetadataCacheDirCandidates(), true)
}

// Load iterates candidate directories looking for a usable snapshot whose
// cache key matches. A later-candidate hit promotes that directory so
// subsequent persists prefer it.
func (c *MetadataCache) Load(cacheKey string) LoadResult {
	if !c.Enabled {
		return LoadResult{Status: StatusMiss}
	}

	var attempts []Attempt
	sawFailure := false

	for idx, cacheDir := range c.cacheDirs {
		cachePath := filepath.Join(cacheDir, metadataCacheFilename)
		raw, err := os.ReadFile(cachePath)
		if err != nil {
			if os.IsNotExist(err) {
				attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeMiss})
				continue
			}
			sawFailure = true
			attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeError, Error: err.Error()})
			continue
		}

		snapshot, outcome, reason := parseSnapshot(raw, cacheKey)
		if snapshot == nil {
			if outcome == OutcomeMiss {
				attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeMiss, Error: reason})
				continue
			}
			sawFailure = true
			attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeInvalid, Error: reason})
			continue
		}

		attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeHit})
		c.CacheDir = cacheDir
		c.CachePath = cachePath
		status := StatusHit
		if idx > 0 {
			status = StatusFallbackHit
		}
		return LoadResult{
			Status:    status,
			Snapshot:  snapshot,
			CacheDir:  cacheDir,
			CachePath: cachePath,
			Attempts:  attempts,
		}
	}

	status := StatusMiss
	if sawFailure {
		status = StatusFallbackFail
	}
	return LoadResult{Status: status, Attempts: attempts}
}

// Persist atomically writes the snapshot to the first writable candidate.
// When every candidate fails the cache disables itself to avoid hot-loop
// writes against unwritable directories.
func (c *MetadataCache) Persist(cacheKey, manifestHash string, manifest Manifest, sessions []*session.Record) PersistResult {
	if !c.Enabled {
		return PersistResult{Status: StatusMiss}
	}

	keys := make([]ManifestKey, 0, len(manifest))
	for key := range manifest {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Provider != keys[j].Provider {
			return keys[i].Provider < keys[j].Provider
		}
		return keys[i].SourcePath < keys[j].SourcePath
	})
	manifestEntries := make([]manifestEntryPayload, 0, len(keys))
	for _, key := range keys {
		fingerprint := manifest[key]
		manifestEntries = append(manifestEntries, manifestEntryPayload{
			Provider:   key.Provider,
			SourcePath: key.SourcePath,
			MtimeNS:    fingerprint.MtimeNS,
			Size:       fingerprint.Size,
		})
	}

	serialized := make([]json.RawMessage, 0, len(sessions))
	for _, record := range sessions {
		encoded, err := json.Marshal(record)
		if err != nil {
			continue
		}
		serialized = append(serialized, encoded)
	}

	payload := metadataPayload{
		Version:       MetadataCacheVersion,
		SchemaVersion: MetadataSchemaVersion,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		CacheKey:      cacheKey,
		ManifestHash:  manifestHash,
		Manifest:      manifestEntries,
		Sessions:      serialized,
	}

	var attempts []Attempt
	for idx, cacheDir := range c.cacheDirs {
		cachePath := filepath.Join(cacheDir, metadataCacheFilename)
		if err := atomicWriteJSON(cacheDir, cachePath, payload); err != nil {
			attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeError, Error: err.Error()})
			continue
		}
		attempts = append(attempts, Attempt{CacheDir: cacheDir, CachePath: cachePath, Outcome: OutcomeHit})
		c.CacheDir = cacheDir
		c.CachePath = cachePath
		status := StatusHit
		if idx > 0 {
			status = StatusFallbackHit
		}
		return PersistResult{Status: status, CacheDir: cacheDir, CachePath: cachePath, Attempts: attempts}
	}

	c.Enabled = false
	return PersistResult{Status: StatusWriteFail, Attempts: attempts}
}

func parseSnapshot(raw []byte, cacheKey string) (*Snapshot, string, string) {
	var payload metadataPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, OutcomeInvalid, err.Error()
	}
	if payload.Version != MetadataCacheVersion {
		return nil, OutcomeMiss, "version_mismatch"
	}
	if payload.SchemaVersion != MetadataSchemaVersion {
		return nil, OutcomeMiss, "schema_version_mismatch"
	}
	if payload.CacheKey != cacheKey {
		return nil, OutcomeMiss, "cache_key_mismatch"
	}
	if payload.Manifest == nil {
		return nil, OutcomeInvalid, "manifest_invalid"
	}
	if payload.Sessions == nil {
		return nil, OutcomeInvalid, "sessions_invalid"
	}

	manifest := make(Manifest, len(payload.Manifest))
	for _, entry := range payload.Manifest {
		if entry.Provider == "" || entry.SourcePath == "" {
			continue
		}
		manifest[ManifestKey{Provider: entry.Provider, SourcePath: entry.SourcePath}] = Fingerprint{
			MtimeNS: entry.MtimeNS,
			Size:    entry.Size,
		}
	}

	sessions := make([]*session.Record, 0, len(payload.Sessions))
	for _, raw := range payload.Sessions {
		record, err := DeserializeRecord(raw)
		if err != nil {
			continue
		}
		sessions = append(sessions, record)
	}

	return &Snapshot{
		CacheKey:     cacheKey,
		ManifestHash: payload.ManifestHash,
		Manifest:     manifest,
		Sessions:     sessions,
	}, OutcomeHit, ""
}
