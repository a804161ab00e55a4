package httpapi

import (
	"container/list"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/kmckiern/agent-sessions/internal/diskcache"
	"github.com/kmckiern/agent-sessions/internal/session"
)

const detailCacheMax = 256

type detailEntry struct {
	key     uint64
	payload map[string]any
}

type detailInflight struct {
	done    chan struct{}
	payload map[string]any
}

// detailCache is an LRU of rendered detail payloads with per-key in-flight
// coalescing so concurrent requests for the same session share one render.
type detailCache struct {
	mu       sync.Mutex
	maxSize  int
	entries  map[uint64]*list.Element
	order    *list.List
	inflight map[uint64]*detailInflight
}

func newDetailCache(maxSize int) *detailCache {
	return &detailCache{
		maxSize:  maxSize,
		entries:  make(map[uint64]*list.Element),
		order:    list.New(),
		inflight: make(map[uint64]*detailInflight),
	}
}

// payloadFor returns the rendered detail payload for a record along with a
// cache status of "hit", "coalesced", or "miss".
func (c *detailCache) payloadFor(record *session.Record) (map[string]any, string) {
	key := detailCacheKey(record)

	c.mu.Lock()
	if element, ok := c.entries[key]; ok {
		c.order.MoveToFront(element)
		payload := element.Value.(*detailEntry).payload
		c.mu.Unlock()
		return payload, "hit"
	}
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-inflight.done
		if inflight.payload != nil {
			return inflight.payload, "coalesced"
		}
		return sessionDetail(record), "miss"
	}
	inflight := &detailInflight{done: make(chan struct{})}
	c.inflight[key] = inflight
	c.mu.Unlock()

	payload := sessionDetail(record)
	inflight.payload = payload
	close(inflight.done)

	c.mu.Lock()
	element := c.order.PushFront(&detailEntry{key: key, payload: payload})
	c.entries[key] = element
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*detailEntry).key)
	}
	delete(c.inflight, key)
	c.mu.Unlock()

	return payload, "miss"
}

// detailCacheKey fingerprints the session identity plus its source file
// state, so a changed transcript naturally misses.
func detailCacheKey(record *session.Record) uint64 {
	hasher := xxhash.New()
	_, _ = hasher.WriteString(record.Provider)
	_, _ = hasher.WriteString("::")
	_, _ = hasher.WriteString(record.SessionID)
	_, _ = hasher.WriteString("::")
	_, _ = hasher.WriteString(record.SourcePath)
	_, _ = hasher.WriteString("::")
	if fingerprint, ok := diskcache.PathFingerprint(record.SourcePath); ok {
		_, _ = hasher.WriteString(strconv.FormatInt(fingerprint.MtimeNS, 10))
		_, _ = hasher.WriteString(":")
		_, _ = hasher.WriteString(strconv.FormatInt(fingerprint.Size, 10))
	} else {
		if record.UpdatedAt != nil {
			_, _ = hasher.WriteString(strconv.FormatInt(record.UpdatedAt.UnixNano(), 10))
		}
		_, _ = hasher.WriteString(":")
		_, _ = hasher.WriteString(strconv.Itoa(record.MessageCount()))
	}
	return hasher.Sum64()
}
