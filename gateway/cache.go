package gateway

import (
	"sync"
	"time"
)

// DefaultCacheSize bounds the response cache. When full, insertion evicts the
// oldest entries FIFO, preserving the most recent DefaultCacheKeep.
const (
	DefaultCacheSize = 1000
	DefaultCacheKeep = 500
)

type (
	// cacheEntry is one cached response keyed by request fingerprint.
	cacheEntry struct {
		response     string
		providerUsed string
		elapsedMS    int64
		storedAt     time.Time
	}

	// responseCache is a FIFO-bounded response cache. Eviction happens inside
	// the same critical section as insertion so the bound holds at all times.
	responseCache struct {
		mu      sync.Mutex
		entries map[string]cacheEntry
		order   []string
		max     int
		keep    int
	}
)

func newResponseCache(max, keep int) *responseCache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	if keep <= 0 || keep > max {
		keep = max / 2
	}
	return &responseCache{
		entries: make(map[string]cacheEntry, max),
		max:     max,
		keep:    keep,
	}
}

// get returns the entry for the fingerprint. Hits do not alter any state.
func (c *responseCache) get(fingerprint string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	return e, ok
}

// put inserts an entry, evicting down to the keep bound first when full.
// Re-inserting an existing fingerprint refreshes its value without growing
// the order list.
func (c *responseCache) put(fingerprint string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fingerprint]; exists {
		c.entries[fingerprint] = e
		return
	}
	if len(c.entries) >= c.max {
		drop := len(c.entries) - c.keep + 1
		if drop > len(c.order) {
			drop = len(c.order)
		}
		for _, fp := range c.order[:drop] {
			delete(c.entries, fp)
		}
		c.order = append([]string(nil), c.order[drop:]...)
	}
	c.entries[fingerprint] = e
	c.order = append(c.order, fingerprint)
}

// size returns the current entry count.
func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// drop empties the cache. The self-optimization subsystem calls this under
// memory pressure.
func (c *responseCache) drop() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry, c.max)
	c.order = nil
	return n
}
