package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Kind classifies provider failures for the rotation/fallback policy.
type Kind string

const (
	KindAuth      Kind = "auth"       // 401/403: key problem, rotate
	KindRateLimit Kind = "rate_limit" // 429: key exhausted, rotate with cooldown
	KindServer    Kind = "server"     // 5xx: model/provider side, fall back
	KindTimeout   Kind = "timeout"    // deadline or 408, fall back
	KindNetwork   Kind = "network"    // transport failure, fall back
	KindOverflow  Kind = "overflow"   // context window exceeded, caller compacts
	KindCanceled  Kind = "canceled"   // caller canceled, propagate
	KindInvalid   Kind = "invalid"    // 4xx caller bug, propagate
)

var overflowMarkers = []string{
	"context length",
	"context window",
	"maximum context",
	"too many tokens",
	"context_length_exceeded",
	"prompt is too long",
	"input is too long",
}

// IsContextOverflow reports whether err (anywhere in its chain) indicates the
// prompt exceeded the model's context window.
func IsContextOverflow(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		for _, marker := range overflowMarkers {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}

// Classify maps an error from a provider call to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if IsContextOverflow(err) {
		return KindOverflow
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
			return KindAuth
		case he.Status == http.StatusTooManyRequests:
			return KindRateLimit
		case he.Status == http.StatusRequestTimeout:
			return KindTimeout
		case he.Status >= 500:
			return KindServer
		default:
			return KindInvalid
		}
	}
	// Non-HTTP errors from the transport (connection refused, EOF, DNS).
	return KindNetwork
}

const defaultKeyCooldown = 60 * time.Second

// KeyRing holds the API keys for one provider and tracks per-key cooldowns.
// Selection is stable: the first key not cooling down wins, so the primary
// key is always restored once its cooldown lapses. Safe for concurrent use.
type KeyRing struct {
	mu        sync.Mutex
	keys      []string
	coolUntil []time.Time
	cooldown  time.Duration
	now       func() time.Time
}

// NewKeyRing creates a ring over keys with the default 60s cooldown.
func NewKeyRing(keys []string) *KeyRing {
	return &KeyRing{
		keys:      keys,
		coolUntil: make([]time.Time, len(keys)),
		cooldown:  defaultKeyCooldown,
		now:       time.Now,
	}
}

// Len returns the number of keys.
func (r *KeyRing) Len() int { return len(r.keys) }

// Pick returns the preferred usable key and its index. When every key is
// cooling down, the one whose cooldown expires soonest is returned; rotation
// degrades service but never refuses it.
func (r *KeyRing) Pick() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return "", -1
	}
	now := r.now()
	best := 0
	for i := range r.keys {
		if now.After(r.coolUntil[i]) {
			return r.keys[i], i
		}
		if r.coolUntil[i].Before(r.coolUntil[best]) {
			best = i
		}
	}
	return r.keys[best], best
}

// MarkCooling starts a cooldown on the key at idx. A Retry-After longer than
// the default extends the cooldown to match.
func (r *KeyRing) MarkCooling(idx int, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.keys) {
		return
	}
	d := r.cooldown
	if retryAfter > d {
		d = retryAfter
	}
	r.coolUntil[idx] = r.now().Add(d)
}

// Cooling reports whether the key at idx is currently cooling down.
func (r *KeyRing) Cooling(idx int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.keys) {
		return false
	}
	return r.now().Before(r.coolUntil[idx])
}

// Resilient wraps a provider family with API-key rotation and model
// fallback. Auth and rate-limit failures rotate keys (same model); server,
// timeout and network failures advance down the model chain (same key
// preference). Invalid-request errors and cancellations propagate
// immediately. The wrapper keeps no per-call state besides key cooldowns, so
// the preferred key and model are in effect again on the next call.
type Resilient struct {
	name    string
	factory func(apiKey string) Provider
	ring    *KeyRing
	models  []string
	apiBase string
}

// NewResilient builds a resilient provider. factory constructs the concrete
// provider for a given API key; models is the ordered fallback chain and must
// not be empty.
func NewResilient(name string, factory func(apiKey string) Provider, keys []string, models []string) *Resilient {
	return &Resilient{
		name:    name,
		factory: factory,
		ring:    NewKeyRing(keys),
		models:  models,
	}
}

func (r *Resilient) Name() string { return r.name }

// DefaultModel returns the head of the fallback chain.
func (r *Resilient) DefaultModel() string {
	if len(r.models) > 0 {
		return r.models[0]
	}
	return ""
}

// Models returns the configured fallback chain.
func (r *Resilient) Models() []string { return r.models }

// Ring exposes the key ring (used by /status and tests).
func (r *Resilient) Ring() *KeyRing { return r.ring }

// APIKey returns the currently preferred API key. Tools that call provider
// HTTP endpoints directly (image generation) use this.
func (r *Resilient) APIKey() string {
	k, _ := r.ring.Pick()
	return k
}

// APIBase returns the resolved API base URL.
func (r *Resilient) APIBase() string { return r.apiBase }

// ErrAllModelsFailed wraps the last error after the whole chain is exhausted.
var ErrAllModelsFailed = errors.New("all models failed")

func (r *Resilient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return resilientCall(ctx, r, req, func(p Provider, mreq ChatRequest) (*ChatResponse, error) {
		return p.Chat(ctx, mreq)
	})
}

func (r *Resilient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return resilientCall(ctx, r, req, func(p Provider, mreq ChatRequest) (*ChatResponse, error) {
		return p.ChatStream(ctx, mreq, onChunk)
	})
}

// chain returns the model order for one call. An explicit request model is
// pinned in front; chain models repeated after it are deduplicated.
func (r *Resilient) chain(pinned string) []string {
	if pinned == "" {
		return r.models
	}
	out := make([]string, 0, len(r.models)+1)
	out = append(out, pinned)
	for _, m := range r.models {
		if m != pinned {
			out = append(out, m)
		}
	}
	return out
}

func resilientCall(ctx context.Context, r *Resilient, req ChatRequest, call func(Provider, ChatRequest) (*ChatResponse, error)) (*ChatResponse, error) {
	models := r.chain(req.Model)
	if len(models) == 0 {
		return nil, fmt.Errorf("%s: no models configured", r.name)
	}

	var lastErr error
	for _, model := range models {
		// Up to one attempt per key for this model before falling back.
		for attempt := 0; attempt < max(r.ring.Len(), 1); attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			key, idx := r.ring.Pick()
			mreq := req
			mreq.Model = model

			resp, err := call(r.factory(key), mreq)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			switch Classify(err) {
			case KindAuth, KindRateLimit:
				retryAfter := time.Duration(0)
				var he *HTTPError
				if errors.As(err, &he) {
					retryAfter = he.RetryAfter
				}
				r.ring.MarkCooling(idx, retryAfter)
				slog.Warn("provider key cooling down, rotating",
					"provider", r.name, "key_index", idx, "model", model, "kind", Classify(err))
				continue
			case KindServer, KindTimeout, KindNetwork:
				slog.Warn("model failed, trying next in chain",
					"provider", r.name, "model", model, "kind", Classify(err), "error", err)
			default:
				// invalid request, overflow, canceled: rotation cannot help.
				return nil, err
			}
			break
		}
	}
	return nil, fmt.Errorf("%s: %w: %w", r.name, ErrAllModelsFailed, lastErr)
}
