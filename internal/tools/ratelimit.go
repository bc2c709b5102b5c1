package tools

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultToolsPerMin = 30
	defaultToolsBurst  = 10
)

// ToolRateLimiter caps tool executions per session. Each session gets its own
// token bucket so one runaway conversation cannot starve the others.
type ToolRateLimiter struct {
	mu       sync.Mutex
	perMin   int
	burst    int
	sessions map[string]*rate.Limiter
}

// NewToolRateLimiter creates a limiter allowing perMin executions per minute
// with the given burst. Non-positive values fall back to the defaults.
func NewToolRateLimiter(perMin, burst int) *ToolRateLimiter {
	if perMin <= 0 {
		perMin = defaultToolsPerMin
	}
	if burst <= 0 {
		burst = defaultToolsBurst
	}
	return &ToolRateLimiter{
		perMin:   perMin,
		burst:    burst,
		sessions: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the session may execute another tool right now.
func (l *ToolRateLimiter) Allow(sessionKey string) bool {
	l.mu.Lock()
	lim, ok := l.sessions[sessionKey]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin))/60.0, l.burst)
		l.sessions[sessionKey] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Reset drops the session's bucket, refilling it on next use.
func (l *ToolRateLimiter) Reset(sessionKey string) {
	l.mu.Lock()
	delete(l.sessions, sessionKey)
	l.mu.Unlock()
}
