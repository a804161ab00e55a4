package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/kmckiern/agent-sessions/internal/diskcache"
	"github.com/kmckiern/agent-sessions/internal/provider"
)

// BuildManifest walks every provider's cache-validation paths,
// canonicalizes them, and records each file's fingerprint. Unstatable paths
// are skipped; the next refresh reattempts them.
func BuildManifest(providers []provider.Provider) diskcache.Manifest {
	manifest := make(diskcache.Manifest)
	for _, p := range providers {
		for _, path := range p.CacheValidationPaths() {
			canonical := canonicalizePath(path)
			fingerprint, ok := diskcache.PathFingerprint(canonical)
			if !ok {
				continue
			}
			manifest[diskcache.ManifestKey{Provider: p.Name(), SourcePath: canonical}] = fingerprint
		}
	}
	return manifest
}

func canonicalizePath(path string) string {
	expanded := diskcache.ExpandUser(path)
	resolved, err := filepath.Abs(expanded)
	if err != nil {
		return expanded
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	return resolved
}

// ManifestHash computes a deterministic sha256 over manifest entries in
// lexicographic key order. Permuting the input never changes the hash.
func ManifestHash(manifest diskcache.Manifest) string {
	keys := make([]diskcache.ManifestKey, 0, len(manifest))
	for key := range manifest {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Provider != keys[j].Provider {
			return keys[i].Provider < keys[j].Provider
		}
		return keys[i].SourcePath < keys[j].SourcePath
	})

	hasher := sha256.New()
	for _, key := range keys {
		fingerprint := manifest[key]
		hasher.Write([]byte(key.Provider))
		hasher.Write([]byte{0})
		hasher.Write([]byte(key.SourcePath))
		hasher.Write([]byte{0})
		hasher.Write([]byte(strconv.FormatInt(fingerprint.MtimeNS, 10)))
		hasher.Write([]byte{0})
		hasher.Write([]byte(strconv.FormatInt(fingerprint.Size, 10)))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

type cacheKeyEntry struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	BaseDir      string   `json:"base_dir"`
	GlobPatterns []string `json:"glob_patterns"`
	EnvVar       string   `json:"env_var"`
	EnvValue     string   `json:"env_value"`
}

type cacheKeyPayload struct {
	SchemaVersion int             `json:"schema_version"`
	Providers     []cacheKeyEntry `json:"providers"`
}

// ComputeCacheKey hashes the provider configuration: identity, type, base
// directory, patterns, and the current environment override values. It
// identifies configuration, while the manifest identifies content.
func ComputeCacheKey(providers []provider.Provider) string {
	entries := make([]cacheKeyEntry, 0, len(providers))
	for _, p := range providers {
		envValue := ""
		if p.EnvVar() != "" {
			envValue = os.Getenv(p.EnvVar())
		}
		patterns := p.GlobPatterns()
		if patterns == nil {
			patterns = []string{}
		}
		entries = append(entries, cacheKeyEntry{
			Name:         p.Name(),
			Type:         fmt.Sprintf("%T", p),
			BaseDir:      canonicalizePath(p.BaseDir()),
			GlobPatterns: patterns,
			EnvVar:       p.EnvVar(),
			EnvValue:     envValue,
		})
	}

	encoded, err := json.Marshal(cacheKeyPayload{
		SchemaVersion: diskcache.MetadataSchemaVersion,
		Providers:     entries,
	})
	if err != nil {
		encoded = []byte{}
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
