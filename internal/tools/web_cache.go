package tools

import (
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheMaxEntries = 50
)

type webCacheEntry struct {
	value   string
	expires time.Time
}

// webCache is a small TTL cache shared by the web tools. Eviction is
// coarse: when the map is full, expired entries go first, then the
// entry closest to expiry.
type webCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]webCacheEntry
}

func newWebCache(max int, ttl time.Duration) *webCache {
	if max <= 0 {
		max = defaultCacheMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &webCache{max: max, ttl: ttl, entries: make(map[string]webCacheEntry)}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = webCacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

func (c *webCache) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey = k
			oldest = e.expires
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
