package redisq

import (
	"sync"
	"time"
)

// countCacheTTL keeps pending counts fresh enough for capacity
// estimation without hammering Redis on every status request.
const countCacheTTL = 20 * time.Second

type countEntry struct {
	value   int
	fetched time.Time
}

// countCache is a small in-process cache of pending counts per task
// queue. Counts are approximate anyway, so brief staleness is fine.
type countCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]countEntry
}

func newCountCache(ttl time.Duration) *countCache {
	return &countCache{
		ttl:     ttl,
		entries: make(map[string]countEntry),
	}
}

func (c *countCache) get(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Since(entry.fetched) > c.ttl {
		return 0, false
	}
	return entry.value, true
}

func (c *countCache) set(key string, value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = countEntry{value: value, fetched: time.Now()}
}
