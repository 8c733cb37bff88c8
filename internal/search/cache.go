package search

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// entry pairs one cached response with its creation time. Entries are
// immutable; a fresh entry replaces a stale one.
type entry struct {
	response *SearchResponse
	created  time.Time
}

// QueryCache is a process-local TTL store mapping canonical cache keys to
// previously fetched result pages. Expiry is lazy: a stale entry is removed
// the first time a lookup observes it, never by a background sweeper, so
// memory stays bounded by the number of distinct query shapes requested.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewQueryCache creates a cache whose entries live for ttl.
func NewQueryCache(ttl time.Duration) *QueryCache {
	return newQueryCache(ttl, time.Now)
}

// newQueryCache lets tests supply a fake clock for deterministic expiry.
func newQueryCache(ttl time.Duration, now func() time.Time) *QueryCache {
	return &QueryCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     now,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Get returns the cached response for key if one exists and is still within
// its TTL. A stale entry is evicted before reporting a miss; an entry is
// never returned past its TTL.
func (c *QueryCache) Get(key string) (*SearchResponse, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.now().Sub(e.created) > c.ttl {
		c.evict(key, e.created)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.response, true
}

// evict removes the entry for key unless a writer replaced it after the
// staleness check.
func (c *QueryCache) evict(key string, created time.Time) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.created.Equal(created) {
		delete(c.entries, key)
		c.evictions.Add(1)
		c.logger.Debug("evicted stale entry", "key", key)
	}
	c.mu.Unlock()
}

// Put inserts or overwrites the entry for key, stamped with the current
// time. Concurrent writers to the same key resolve last-write-wins.
func (c *QueryCache) Put(key string, response *SearchResponse) {
	c.mu.Lock()
	c.entries[key] = entry{response: response, created: c.now()}
	c.mu.Unlock()
}

// Purge drops every entry and returns how many were removed.
func (c *QueryCache) Purge() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	c.logger.Info("cache purged", "entries_removed", n)
	return n
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
	Entries   int    `json:"entries"`
	TTL       string `json:"ttl"`
}

// Stats reports hit, miss, and eviction counters plus the live entry count.
func (c *QueryCache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   n,
		TTL:       c.ttl.String(),
	}
}
