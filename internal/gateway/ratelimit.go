package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating client IDs.
	maxTrackedKeys = 4096

	// rateLimitWindow is the sliding window duration for rate counting.
	rateLimitWindow = 60 * time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter bounds per-client request rates over a one-minute window.
// A non-positive RPM disables limiting. Safe for concurrent use.
type RateLimiter struct {
	rpm     int
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewRateLimiter creates a limiter allowing rpm requests per key per minute.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm, entries: make(map[string]*rateLimitEntry)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow returns true if the key is within rate limits. Prunes stale entries
// and enforces a hard cap on tracked keys.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Prune stale entries when approaching the cap
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.rpm
}
