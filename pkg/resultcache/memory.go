package resultcache

import (
	"sync"
	"time"

	"github.com/swarmguard/flowrunner/pkg/state"
)

// MemoryCache is an in-process LRU-with-TTL cache, adapted from the teacher
// orchestrator's ResultCache: a background goroutine sweeps expired
// entries, and Put evicts the least-recently-used entry once maxSize is
// reached.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	maxSize int
}

type memEntry struct {
	state     state.State
	expiresAt time.Time
	lastUsed  time.Time
}

// NewMemoryCache returns a cache holding at most maxSize entries, with a
// background goroutine evicting expired entries once a minute.
func NewMemoryCache(maxSize int) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*memEntry),
		maxSize: maxSize,
	}
	go c.cleanup()
	return c
}

func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

// Get returns the cached State for key, if present and not expired.
func (c *MemoryCache) Get(key string) (state.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return state.State{}, false
	}
	e.lastUsed = time.Now()
	return e.state, true
}

// Put stores s under key with the given TTL, evicting the least-recently
// used entry first if the cache is at capacity.
func (c *MemoryCache) Put(key string, s state.State, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			c.evictOldest()
		}
	}

	c.entries[key] = &memEntry{
		state:     s,
		expiresAt: time.Now().Add(ttl),
		lastUsed:  time.Now(),
	}
}

func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
