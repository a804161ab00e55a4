// Package service is the caching and query orchestration core: it owns the
// in-memory snapshot of parsed sessions, keeps it consistent with the
// transcript files on disk via the manifest protocol, and coalesces both
// snapshot refreshes and direct single-session loads.
package service

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kmckiern/agent-sessions/internal/diskcache"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/query"
	"github.com/kmckiern/agent-sessions/internal/session"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// Lookup sources reported by GetSessionWithMetrics.
const (
	SourceSnapshot        = "snapshot"
	SourceDirect          = "direct"
	SourceDirectCoalesced = "direct-coalesced"
	SourceNotFound        = "not-found"
)

var truthyEnv = map[string]struct{}{"1": {}, "true": {}, "yes": {}, "on": {}}

func strictCacheEnabled() bool {
	_, ok := truthyEnv[strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_SESSIONS_STRICT_CACHE")))]
	return ok
}

// Result carries a session lookup together with its metrics.
type Result struct {
	Session     *session.Record
	Source      string
	CacheStatus string
	ParseMS     float64
}

type sessionKey struct {
	provider  string
	sessionID string
}

type directInflight struct {
	done   chan struct{}
	record *session.Record
}

// Options configures a Service.
type Options struct {
	// Providers overrides the default registry-built provider set. An
	// override disables stale-while-revalidate.
	Providers []provider.Provider
	// RefreshInterval controls snapshot staleness: nil never reloads except
	// on empty, <= 0 always reloads, otherwise elapsed-based.
	RefreshInterval *time.Duration
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// FileCache and MetaCache override the env-built disk caches.
	FileCache *diskcache.SessionCache
	MetaCache *diskcache.MetadataCache
}

// Service is the high-level gateway for cached session access and querying.
type Service struct {
	mu   sync.Mutex
	cond *sync.Cond
	ioMu sync.Mutex

	providers  []provider.Provider
	overridden bool

	sessions     []*session.Record
	byPath       map[string]*session.Record
	byKey        map[sessionKey]*session.Record
	manifest     diskcache.Manifest
	manifestHash string
	cacheKey     string

	refreshInterval *time.Duration
	lastLoaded      time.Time
	refreshing      bool

	directInflight map[string]*directInflight

	fileCache       *diskcache.SessionCache
	metaCache       *diskcache.MetadataCache
	fileCacheLoaded bool

	bootstrapped     bool
	diskBootstrapped bool
	validated        bool

	serveStale bool
	clock      func() time.Time
}

// New creates a service. With no provider override the registry defaults
// are used and stale-while-revalidate is active unless strict-cache mode is
// set.
func New(opts Options) *Service {
	providers := opts.Providers
	overridden := providers != nil
	if providers == nil {
		providers = provider.BuildDefaults()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	fileCache := opts.FileCache
	if fileCache == nil {
		fileCache = diskcache.SessionCacheFromEnv()
	}
	metaCache := opts.MetaCache
	if metaCache == nil {
		metaCache = diskcache.MetadataCacheFromEnv()
	}

	s := &Service{
		providers:       providers,
		overridden:      overridden,
		byPath:          make(map[string]*session.Record),
		byKey:           make(map[sessionKey]*session.Record),
		refreshInterval: opts.RefreshInterval,
		directInflight:  make(map[string]*directInflight),
		fileCache:       fileCache,
		metaCache:       metaCache,
		serveStale:      !overridden && !strictCacheEnabled(),
		clock:           clock,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RefreshIntervalSeconds is a convenience constructor input for a
// seconds-based interval.
func RefreshIntervalSeconds(seconds float64) *time.Duration {
	interval := time.Duration(seconds * float64(time.Second))
	return &interval
}

// ListSessions normalizes the query, filters, sorts, and paginates the
// current snapshot. maxPageSize <= 0 leaves page_size unclamped.
func (s *Service) ListSessions(q query.SessionQuery, maxPageSize int) query.Page {
	normalized := q.Normalized(maxPageSize)
	sessions := s.AllSessions()
	filtered := query.ApplyFilters(sessions, normalized)
	ordered := query.SortSessions(filtered, normalized.Order)
	return query.Paginate(ordered, normalized)
}

// AllSessions returns the snapshot, refreshing per the staleness rules.
func (s *Service) AllSessions() []*session.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureFreshLocked()
	return append([]*session.Record(nil), s.sessions...)
}

// Invalidate marks the snapshot stale; the next read revalidates. With a nil
// refresh interval a loaded snapshot is never considered stale, so this has no
// effect.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.lastLoaded = time.Time{}
	s.mu.Unlock()
}

// GetSession resolves a session by provider/id, optionally pinned to a
// source path. See GetSessionWithMetrics for the lookup rules.
func (s *Service) GetSession(providerName, sessionID, sourcePath string) *session.Record {
	return s.GetSessionWithMetrics(providerName, sessionID, sourcePath).Session
}

// GetSessionWithMetrics resolves a session. A source path triggers a
// coalesced direct load that bypasses the snapshot; otherwise, and as the
// fallback when the direct load misses, the snapshot is searched.
func (s *Service) GetSessionWithMetrics(providerName, sessionID, sourcePath string) Result {
	if providerName == "" && sourcePath == "" {
		return Result{Source: SourceNotFound}
	}

	if sourcePath != "" {
		if result := s.directLoad(providerName, sessionID, sourcePath); result.Session != nil {
			return result
		}
	}

	for _, record := range s.AllSessions() {
		if providerName != "" && sessionID != "" {
			if record.Provider == providerName && record.SessionID == sessionID {
				if sourcePath == "" || record.SourcePath == sourcePath {
					return Result{Session: record, Source: SourceSnapshot}
				}
			}
		}
		if sourcePath != "" && record.SourcePath == sourcePath {
			return Result{Session: record, Source: SourceSnapshot}
		}
	}
	return Result{Source: SourceNotFound}
}

// directLoad coalesces concurrent opens of the same source so only one
// worker parses the file; the rest wait and share the result.
func (s *Service) directLoad(providerName, sessionID, sourcePath string) Result {
	keyProvider := providerName
	if keyProvider == "" {
		keyProvider = "*"
	}
	key := keyProvider + "::" + sourcePath + "::" + sessionID

	s.mu.Lock()
	if inflight, ok := s.directInflight[key]; ok {
		s.mu.Unlock()
		<-inflight.done
		return Result{Session: inflight.record, Source: SourceDirectCoalesced}
	}
	inflight := &directInflight{done: make(chan struct{})}
	s.directInflight[key] = inflight
	s.mu.Unlock()

	started := time.Now()
	record := s.loadSessionFromSourcePath(sourcePath, sessionID, providerName)
	parseMS := float64(time.Since(started)) / float64(time.Millisecond)

	inflight.record = record
	if record != nil {
		s.upsert(record)
	}
	close(inflight.done)

	s.mu.Lock()
	delete(s.directInflight, key)
	s.mu.Unlock()

	if record == nil {
		return Result{Source: SourceNotFound, ParseMS: parseMS}
	}
	return Result{Session: record, Source: SourceDirect, ParseMS: parseMS}
}

func (s *Service) loadSessionFromSourcePath(sourcePath, sessionID, providerName string) *session.Record {
	if providerName != "" {
		for _, p := range s.providers {
			if p.Name() == providerName {
				return s.tryDirectLoad(p, sourcePath, sessionID)
			}
		}
		return nil
	}
	for _, p := range s.providers {
		if record := s.tryDirectLoad(p, sourcePath, sessionID); record != nil {
			return record
		}
	}
	return nil
}

// tryDirectLoad never propagates provider failures; they are logged and the
// probe continues with the next provider.
func (s *Service) tryDirectLoad(p provider.Provider, sourcePath, sessionID string) *session.Record {
	record, err := p.LoadSessionFromSourcePath(sourcePath, sessionID)
	if err != nil {
		telemetry.Warn("provider "+p.Name()+" failed direct load for "+sourcePath, err)
		return nil
	}
	return record
}

// upsert inserts or replaces the record in the snapshot so subsequent list
// queries see it immediately.
func (s *Service) upsert(record *session.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{provider: record.Provider, sessionID: record.SessionID}
	if existing, ok := s.byKey[key]; ok {
		for i, candidate := range s.sessions {
			if candidate == existing {
				s.sessions[i] = record
				break
			}
		}
		delete(s.byPath, existing.SourcePath)
	} else {
		s.sessions = append(s.sessions, record)
	}
	s.byKey[key] = record
	s.byPath[record.SourcePath] = record
}

// Snapshot readiness ------------------------------------------------------

func (s *Service) ensureFreshLocked() {
	if !s.bootstrapped && len(s.sessions) == 0 {
		s.bootstrapped = true
		s.mu.Unlock()
		s.bootstrapFromDisk()
		s.mu.Lock()
	}

	due := s.shouldReloadLocked()
	switch {
	case due && len(s.sessions) == 0:
		s.refreshLocked(true)
	case due && s.serveStale:
		s.refreshLocked(false)
	case due:
		s.refreshLocked(true)
	case s.diskBootstrapped && !s.validated:
		s.validated = true
		s.refreshLocked(false)
	}
}

func (s *Service) shouldReloadLocked() bool {
	if len(s.sessions) == 0 {
		return true
	}
	if s.refreshInterval == nil {
		return false
	}
	if *s.refreshInterval <= 0 {
		return true
	}
	return s.clock().Sub(s.lastLoaded) > *s.refreshInterval
}

// bootstrapFromDisk attempts the one-time snapshot restore from the
// metadata cache. Runs without the snapshot lock held.
func (s *Service) bootstrapFromDisk() {
	cacheKey := ComputeCacheKey(s.providers)
	result := s.metaCache.Load(cacheKey)
	logCacheAttempts("cache.metadata_load", result.Status, result.Attempts)
	if result.Snapshot == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) > 0 {
		return
	}
	s.installSnapshotLocked(result.Snapshot.Sessions, result.Snapshot.Manifest, result.Snapshot.ManifestHash, cacheKey)
	s.diskBootstrapped = true
}

// installSnapshotLocked atomically replaces all snapshot state. Callers
// hold the snapshot lock.
func (s *Service) installSnapshotLocked(records []*session.Record, manifest diskcache.Manifest, manifestHash, cacheKey string) {
	s.sessions = records
	s.byPath = make(map[string]*session.Record, len(records))
	s.byKey = make(map[sessionKey]*session.Record, len(records))
	for _, record := range records {
		s.byPath[record.SourcePath] = record
		s.byKey[sessionKey{provider: record.Provider, sessionID: record.SessionID}] = record
	}
	s.manifest = manifest
	s.manifestHash = manifestHash
	s.cacheKey = cacheKey
	s.lastLoaded = s.clock()
}

// Refresh (single-flight) -------------------------------------------------

// refreshLocked starts or joins a refresh. Callers hold the snapshot lock.
// When wait is true the call returns after the in-progress refresh
// completes; otherwise the refresh proceeds in the background.
func (s *Service) refreshLocked(wait bool) {
	if s.refreshing {
		if wait {
			for s.refreshing {
				s.cond.Wait()
			}
		}
		return
	}
	s.refreshing = true
	if wait {
		s.mu.Unlock()
		s.runRefresh()
		s.mu.Lock()
	} else {
		go s.runRefresh()
	}
}

// runRefresh is the single-flight refresh worker. It owns the refreshing
// flag and always notifies waiters on completion.
func (s *Service) runRefresh() {
	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	cacheKey := ComputeCacheKey(s.providers)

	s.ioMu.Lock()
	manifest := BuildManifest(s.providers)
	s.ioMu.Unlock()
	manifestHash := ManifestHash(manifest)

	s.mu.Lock()
	prevHash := s.manifestHash
	prevKey := s.cacheKey
	empty := len(s.sessions) == 0
	s.mu.Unlock()

	rebuild := cacheKey != prevKey || empty || len(manifest) == 0 || manifestHash != prevHash
	if !rebuild {
		s.mu.Lock()
		s.lastLoaded = s.clock()
		s.mu.Unlock()
		telemetry.Log("service.refresh", map[string]any{"rebuild": false})
		return
	}

	s.mu.Lock()
	if !s.fileCacheLoaded {
		s.fileCacheLoaded = true
		s.mu.Unlock()
		s.fileCache.Load()
	} else {
		s.mu.Unlock()
	}

	s.ioMu.Lock()
	for _, p := range s.providers {
		p.AttachCache(s.fileCache)
	}
	records := s.collectSessions()
	s.ioMu.Unlock()

	s.fileCache.Persist()

	s.mu.Lock()
	s.installSnapshotLocked(records, manifest, manifestHash, cacheKey)
	s.mu.Unlock()

	persist := s.metaCache.Persist(cacheKey, manifestHash, manifest, records)
	logCacheAttempts("cache.metadata_persist", persist.Status, persist.Attempts)
	telemetry.Log("service.refresh", map[string]any{"rebuild": true, "sessions": len(records)})
}

// collectSessions enumerates every provider, isolating failures so one bad
// provider contributes nothing instead of poisoning the refresh.
func (s *Service) collectSessions() []*session.Record {
	var records []*session.Record
	for _, p := range s.providers {
		started := time.Now()
		providerRecords, err := p.Sessions()
		loadMS := float64(time.Since(started)) / float64(time.Millisecond)
		if err != nil {
			telemetry.Warn("provider "+p.Name()+" failed to load sessions", err)
			telemetry.Log("index.provider_load", map[string]any{
				"provider": p.Name(),
				"status":   "error",
				"load_ms":  loadMS,
				"error":    err.Error(),
			})
			continue
		}
		records = append(records, providerRecords...)
		telemetry.Log("index.provider_load", map[string]any{
			"provider": p.Name(),
			"sessions": len(providerRecords),
			"load_ms":  loadMS,
		})
	}
	return provider.SortRecords(records)
}

func logCacheAttempts(event, status string, attempts []diskcache.Attempt) {
	if !telemetry.Enabled() {
		return
	}
	for _, attempt := range attempts {
		telemetry.Log(event, map[string]any{
			"status":     status,
			"cache_dir":  attempt.CacheDir,
			"cache_path": attempt.CachePath,
			"outcome":    attempt.Outcome,
			"error":      attempt.Error,
		})
	}
}
