package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// DeliverFunc receives the outcome of a dispatched run. err is non-nil only
// on cancellation; provider failures arrive as apology replies in the result.
type DeliverFunc func(req RunRequest, result *RunResult, err error)

// TurnRecorder marks a turn in flight before it starts and clears the mark
// when it completes; a mark left behind after a crash identifies the
// affected session.
type TurnRecorder interface {
	Mark(sessionID, messageID, userMessage string) error
	Clear()
}

// Runner schedules loop runs: a global semaphore bounds concurrent runs,
// and runs for one session never interleave. Messages arriving for a busy
// session buffer and flush as a single follow-up turn.
type Runner struct {
	loop     *Loop
	sem      chan struct{}
	recorder TurnRecorder

	mu     sync.Mutex
	active map[string]*sessionRun

	wg  sync.WaitGroup
	log *slog.Logger
}

// sessionRun tracks one session's in-flight work.
type sessionRun struct {
	cancel  context.CancelFunc
	pending []queuedRun
}

type queuedRun struct {
	req     RunRequest
	deliver DeliverFunc
}

func NewRunner(loop *Loop, maxConcurrent int) *Runner {
	if loop == nil {
		panic("agent: NewRunner loop is nil")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrentRuns
	}
	return &Runner{
		loop:   loop,
		sem:    make(chan struct{}, maxConcurrent),
		active: make(map[string]*sessionRun),
		log:    slog.Default().With("component", "runner"),
	}
}

// SetTurnRecorder installs the in-flight turn recorder. Call before the
// first Dispatch.
func (r *Runner) SetTurnRecorder(rec TurnRecorder) { r.recorder = rec }

// Dispatch schedules a run. Idle sessions start immediately on a new
// goroutine; busy sessions buffer the request for a follow-up turn. Never
// blocks the caller.
func (r *Runner) Dispatch(ctx context.Context, req RunRequest, deliver DeliverFunc) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	r.mu.Lock()
	if run, busy := r.active[req.SessionKey]; busy {
		run.pending = append(run.pending, queuedRun{req: req, deliver: deliver})
		r.mu.Unlock()
		r.log.Debug("session busy, buffering message", "session", req.SessionKey, "run_id", req.RunID)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.active[req.SessionKey] = &sessionRun{cancel: cancel}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runSession(runCtx, queuedRun{req: req, deliver: deliver})
}

// runSession executes turns for one session until no buffered work remains.
// The global semaphore is held only while a turn is actually running, so a
// buffering session does not hog a slot.
func (r *Runner) runSession(ctx context.Context, first queuedRun) {
	defer r.wg.Done()
	key := first.req.SessionKey
	turn := first

	for {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			turn.deliver(turn.req, nil, ctx.Err())
			r.finish(ctx, key)
			return
		}
		if r.recorder != nil {
			if markErr := r.recorder.Mark(turn.req.SessionKey, turn.req.RunID, turn.req.Message); markErr != nil {
				r.log.Warn("turn mark failed", "session", key, "error", markErr)
			}
		}
		result, err := r.loop.Run(ctx, turn.req)
		if r.recorder != nil {
			r.recorder.Clear()
		}
		<-r.sem

		turn.deliver(turn.req, result, err)

		next, ok := r.nextTurn(ctx, key)
		if !ok {
			return
		}
		turn = next
	}
}

// nextTurn flushes the session's buffer. Multiple buffered messages merge
// into one follow-up turn; an empty buffer (or a cancelled session) retires
// the session entry.
func (r *Runner) nextTurn(ctx context.Context, key string) (queuedRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.active[key]
	if run == nil {
		return queuedRun{}, false
	}
	if ctx.Err() != nil || len(run.pending) == 0 {
		if ctx.Err() != nil && len(run.pending) > 0 {
			r.log.Info("dropping buffered messages after stop", "session", key, "count", len(run.pending))
		}
		delete(r.active, key)
		return queuedRun{}, false
	}

	merged := mergeQueued(run.pending)
	run.pending = nil
	return merged, true
}

func (r *Runner) finish(ctx context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run := r.active[key]; run != nil && len(run.pending) > 0 && ctx.Err() != nil {
		r.log.Info("dropping buffered messages after stop", "session", key, "count", len(run.pending))
	}
	delete(r.active, key)
}

// mergeQueued folds buffered messages into one turn: texts join in arrival
// order, media concatenates, and the newest request supplies ids and
// directives. The merged text is reclassified from scratch.
func mergeQueued(queued []queuedRun) queuedRun {
	if len(queued) == 1 {
		return queued[0]
	}
	merged := queued[len(queued)-1]
	var texts []string
	var media []string
	for _, q := range queued {
		if t := strings.TrimSpace(q.req.Message); t != "" {
			texts = append(texts, t)
		}
		media = append(media, q.req.Media...)
	}
	merged.req.Message = strings.Join(texts, "\n")
	merged.req.Media = media
	merged.req.Route = nil
	return merged
}

// Stop cancels the session's in-flight run and drops anything buffered
// behind it. Returns false when the session had nothing running.
func (r *Runner) Stop(sessionKey string) bool {
	r.mu.Lock()
	run, ok := r.active[sessionKey]
	if ok {
		run.pending = nil
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Busy reports whether the session has a run in flight.
func (r *Runner) Busy(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionKey]
	return ok
}

// ActiveSessions returns the number of sessions with work in flight.
func (r *Runner) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Wait blocks until every dispatched run has finished. Called on shutdown
// after the consumer stops dispatching.
func (r *Runner) Wait() {
	r.wg.Wait()
}
