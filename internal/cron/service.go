package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

// Handler delivers a fired job. The default handler publishes a system
// event on the bus; tests and embedders may substitute their own.
type Handler func(ctx context.Context, job Job) error

// Service owns the job table and the tick loop. All mutations go through
// the service so the in-memory view and the store stay in sync.
type Service struct {
	store   Store
	handler Handler
	logger  *slog.Logger
	retry   RetryConfig
	tick    time.Duration
	catchup time.Duration
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTickInterval overrides how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithCatchupWindow overrides how far back a missed run still fires once.
func WithCatchupWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.catchup = d
		}
	}
}

// WithRetry overrides the delivery retry policy.
func WithRetry(rc RetryConfig) Option {
	return func(s *Service) { s.retry = rc }
}

// WithHandler overrides job delivery.
func WithHandler(h Handler) Option {
	return func(s *Service) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a scheduler over the given store. Fired jobs are
// published on pub unless WithHandler overrides delivery.
func NewService(store Store, pub bus.SystemPublisher, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  slog.Default().With("component", "cron"),
		retry:   DefaultRetryConfig(),
		tick:    30 * time.Second,
		catchup: time.Hour,
		now:     time.Now,
		jobs:    make(map[string]*Job),
	}
	if pub != nil {
		s.handler = func(_ context.Context, job Job) error {
			pub.PublishSystemEvent(bus.SystemEvent{
				Kind:          bus.EventCron,
				OriginChannel: job.Channel,
				OriginChatID:  job.ChatID,
				AgentID:       job.AgentID,
				Ref:           job.ID,
				Payload:       job.Message,
				AtMs:          s.now().UnixMilli(),
			})
			return nil
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads persisted jobs, reconciles missed runs, and begins ticking
// until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load cron jobs: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	for i := range jobs {
		job := jobs[i]
		s.reconcile(&job, now)
		s.jobs[job.ID] = &job
	}
	count := len(s.jobs)
	s.mu.Unlock()
	s.flushAll(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runDue(loopCtx)
			}
		}
	}()

	s.logger.Info("cron scheduler started", "jobs", count, "tick", s.tick.String())
	return nil
}

// Stop halts the tick loop and waits for an in-flight delivery to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconcile computes the next run after a restart. A run missed by less
// than the catch-up window stays due and fires on the first tick; older
// misses skip ahead to the next occurrence. Caller holds the lock.
func (s *Service) reconcile(job *Job, now time.Time) {
	if !job.Enabled {
		return
	}
	if job.NextRunMs > 0 {
		next := time.UnixMilli(job.NextRunMs)
		if next.After(now) {
			return
		}
		if now.Sub(next) <= s.catchup {
			return // still due, fires on the first tick
		}
	}
	next, ok, err := job.Schedule.Next(now)
	if err != nil {
		s.logger.Warn("cron job has invalid schedule, disabling", "id", job.ID, "error", err)
		job.Enabled = false
		job.NextRunMs = 0
		job.LastError = err.Error()
		return
	}
	if !ok {
		job.Enabled = false
		job.NextRunMs = 0
		return
	}
	job.NextRunMs = next.UnixMilli()
}

// Add validates, fills defaults, persists, and registers a job.
func (s *Service) Add(ctx context.Context, job Job) (Job, error) {
	if strings.TrimSpace(job.Message) == "" {
		return Job{}, fmt.Errorf("job message required")
	}
	if err := job.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = now.UnixMilli()
	}
	job.Enabled = true
	next, ok, err := job.Schedule.Next(now)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("schedule has no future run")
	}
	job.NextRunMs = next.UnixMilli()

	if err := s.store.Put(ctx, job); err != nil {
		return Job{}, fmt.Errorf("persist cron job: %w", err)
	}
	s.mu.Lock()
	stored := job
	s.jobs[job.ID] = &stored
	s.mu.Unlock()
	s.logger.Info("cron job added", "id", job.ID, "name", job.Name, "schedule", job.Schedule.Describe())
	return job, nil
}

// Update replaces an existing job and recomputes its next run.
func (s *Service) Update(ctx context.Context, job Job) (Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("cron job %s not found", job.ID)
	}
	job.CreatedAtMs = existing.CreatedAtMs
	job.LastRunMs = existing.LastRunMs
	s.mu.Unlock()

	if job.Enabled {
		next, ok, err := job.Schedule.Next(s.now())
		if err != nil {
			return Job{}, err
		}
		if !ok {
			job.Enabled = false
			job.NextRunMs = 0
		} else {
			job.NextRunMs = next.UnixMilli()
		}
	} else {
		job.NextRunMs = 0
	}

	if err := s.store.Put(ctx, job); err != nil {
		return Job{}, fmt.Errorf("persist cron job: %w", err)
	}
	s.mu.Lock()
	stored := job
	s.jobs[job.ID] = &stored
	s.mu.Unlock()
	return job, nil
}

// Remove deletes a job by id.
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	s.logger.Info("cron job removed", "id", id)
	return nil
}

// RemoveGroup deletes every job sharing a group id and returns the count.
// Jobs created as a set (a rotating reminder cycle) tear down together.
func (s *Service) RemoveGroup(ctx context.Context, groupID string) (int, error) {
	if groupID == "" {
		return 0, fmt.Errorf("group id required")
	}
	s.mu.Lock()
	var ids []string
	for id, job := range s.jobs {
		if job.GroupID == groupID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.store.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("delete cron job %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// Get returns a snapshot of one job.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns job snapshots ordered by next run, soonest first. Disabled
// jobs sort last.
func (s *Service) List(ctx context.Context) []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Enabled != b.Enabled {
			return a.Enabled
		}
		if a.NextRunMs != b.NextRunMs {
			return a.NextRunMs < b.NextRunMs
		}
		return a.ID < b.ID
	})
	return out
}

// RunDue fires due jobs immediately (primarily for tests).
func (s *Service) RunDue(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Service) runDue(ctx context.Context) int {
	now := s.now()
	nowMs := now.UnixMilli()

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunMs > 0 && job.NextRunMs <= nowMs {
			due = append(due, *job)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextRunMs < due[j].NextRunMs })

	fired := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return fired
		}
		err := s.deliver(ctx, job)
		if err != nil {
			s.logger.Warn("cron job delivery failed", "id", job.ID, "name", job.Name, "error", err)
		}
		s.advance(ctx, job.ID, now, err)
		fired++
	}
	return fired
}

// deliver invokes the handler with bounded exponential backoff.
func (s *Service) deliver(ctx context.Context, job Job) error {
	if s.handler == nil {
		return fmt.Errorf("no delivery handler configured")
	}
	var lastErr error
	attempts := 1 + s.retry.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.handler(ctx, job)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := s.retry.Delay(attempt)
		s.logger.Debug("cron delivery retry", "id", job.ID, "attempt", attempt, "delay", delay.String(), "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// advance records the run and schedules (or retires) the job.
func (s *Service) advance(ctx context.Context, id string, ranAt time.Time, runErr error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.LastRunMs = ranAt.UnixMilli()
	if runErr != nil {
		job.LastError = runErr.Error()
	} else {
		job.LastError = ""
	}

	remove := false
	switch {
	case job.DeleteAfterRun:
		delete(s.jobs, id)
		remove = true
	case job.Schedule.Kind == ScheduleAt:
		job.Enabled = false
		job.NextRunMs = 0
	default:
		next, ok, err := job.Schedule.Next(ranAt)
		if err != nil || !ok {
			job.Enabled = false
			job.NextRunMs = 0
			if err != nil {
				job.LastError = err.Error()
			}
		} else {
			job.NextRunMs = next.UnixMilli()
		}
	}
	snapshot := *job
	s.mu.Unlock()

	if remove {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warn("delete one-shot cron job", "id", id, "error", err)
		}
		return
	}
	if err := s.store.Put(ctx, snapshot); err != nil {
		s.logger.Warn("persist cron job state", "id", id, "error", err)
	}
}

// flushAll writes every in-memory job back to the store after reconcile.
func (s *Service) flushAll(ctx context.Context) {
	s.mu.Lock()
	snapshots := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshots = append(snapshots, *job)
	}
	s.mu.Unlock()
	for _, job := range snapshots {
		if err := s.store.Put(ctx, job); err != nil {
			s.logger.Warn("persist cron job state", "id", job.ID, "error", err)
		}
	}
}
