// market/cache.go
package market

import (
	"sync"
	"time"
)

// WindowCache is a TTL cache for market windows, keyed by symbol/timeframe.
// It is always owned and injected by the caller; nothing in this package
// holds a cache at module level.
type WindowCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	window   *Window
	storedAt time.Time
}

func NewWindowCache(ttl time.Duration) *WindowCache {
	return &WindowCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(symbol, timeframe string) string {
	return symbol + "/" + timeframe
}

// Get returns a cached window if it is still within TTL.
func (c *WindowCache) Get(symbol, timeframe string) (*Window, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(symbol, timeframe)]
	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		return nil, false
	}
	return e.window, true
}

// Put stores a window under its symbol/timeframe key.
func (c *WindowCache) Put(w *Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(w.Symbol, w.Timeframe)] = cacheEntry{window: w, storedAt: c.now()}
}

// Purge drops entries older than TTL. Called opportunistically by long-lived
// loops to bound memory.
func (c *WindowCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
