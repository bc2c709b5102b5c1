package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx provider response. Callers branch on Status to
// decide between key rotation (auth/rate limit) and model fallback (server
// errors).
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 if absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value (seconds form).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryConfig controls transient-error retries inside a single provider call.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries twice with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
	}
}

// retryableStatus reports whether an HTTP status is worth retrying in place
// (same key, same model). Auth and rate-limit statuses are NOT retried here;
// the resilience layer handles those by rotating keys.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return status >= 500 && status != http.StatusNotImplemented
}

// IsRetryable reports whether err is transient (connection failure or a
// retryable HTTP status).
func IsRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return retryableStatus(he.Status)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Plain transport errors (connection reset, EOF) are wrapped with %w by
	// doRequest; treat anything that is not an HTTPError as transient.
	return err != nil
}

// RetryDo runs fn with backoff until it succeeds, exhausts attempts, or hits
// a non-retryable error. Honors Retry-After from HTTPError when present.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		var he *HTTPError
		if errors.As(err, &he) && he.RetryAfter > 0 {
			delay = he.RetryAfter
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		slog.Warn("provider call failed, retrying",
			"attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// backoffDelay computes exponential backoff with jitter for an attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << (attempt - 1)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	// Up to 25% jitter avoids thundering-herd retries.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
