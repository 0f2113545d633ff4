package volume

import (
	"sync"
	"time"

	"github.com/coachpo/mprview/internal/domain/render"
)

type cacheEntry struct {
	refs    []render.ImageReference
	expires time.Time
}

// referenceCache keeps resolved references per series for a short time. A zero TTL disables it.
type referenceCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newReferenceCache(ttl time.Duration) *referenceCache {
	return &referenceCache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *referenceCache) get(seriesID string) ([]render.ImageReference, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[seriesID]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, seriesID)
		return nil, false
	}
	return append([]render.ImageReference(nil), entry.refs...), true
}

func (c *referenceCache) put(seriesID string, refs []render.ImageReference) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[seriesID] = cacheEntry{refs: append([]render.ImageReference(nil), refs...), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *referenceCache) remove(seriesID string) {
	c.mu.Lock()
	delete(c.entries, seriesID)
	c.mu.Unlock()
}
