// Package heartbeat wakes the agent on a schedule and injects system events
// into the normal message pipeline. The ticker half publishes a heartbeat
// system event built from the workspace HEARTBEAT.md; the injector half is
// the single consumer of the bus system queue and is the only sanctioned way
// for background work to push content into a session.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// Service publishes a heartbeat system event every interval. Ticks are
// suppressed outside the configured active-hours window and when the
// heartbeat prompt is missing or blank.
type Service struct {
	pub       bus.SystemPublisher
	cfg       *config.HeartbeatConfig
	agentID   string
	workspace string
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
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
			s.log = logger
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

// NewService creates the heartbeat ticker for one agent. The prompt comes
// from cfg.Prompt when set, else the workspace HEARTBEAT.md.
func NewService(pub bus.SystemPublisher, cfg *config.HeartbeatConfig, agentID, workspace string, opts ...Option) *Service {
	s := &Service{
		pub:       pub,
		cfg:       cfg,
		agentID:   agentID,
		workspace: workspace,
		log:       slog.Default().With("component", "heartbeat"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins ticking until the context is cancelled. A zero interval
// (nil config or every="0m") disables the service; Start logs and returns.
func (s *Service) Start(ctx context.Context) error {
	interval := s.cfg.Interval()
	if interval <= 0 {
		s.log.Info("heartbeat disabled", "agent", s.agentID)
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Beat()
			}
		}
	}()

	s.log.Info("heartbeat started", "agent", s.agentID, "every", interval.String())
	return nil
}

// Stop halts the ticker and waits for the loop to exit.
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

// Beat publishes one heartbeat event now, subject to the active-hours window
// and a non-empty prompt. Returns whether an event went out.
func (s *Service) Beat() bool {
	now := s.now()
	if !inActiveHours(s.cfg.ActiveHours, now) {
		s.log.Debug("heartbeat outside active hours, skipped", "agent", s.agentID)
		return false
	}

	prompt := strings.TrimSpace(s.cfg.Prompt)
	if prompt == "" {
		prompt = bootstrap.HeartbeatPrompt(s.workspace)
	}
	if prompt == "" {
		s.log.Debug("no heartbeat prompt, skipped", "agent", s.agentID, "file", bootstrap.HeartbeatFile)
		return false
	}

	channel, chatID := parseTarget(s.cfg.Target)
	s.pub.PublishSystemEvent(bus.SystemEvent{
		Kind:          bus.EventHeartbeat,
		OriginChannel: channel,
		OriginChatID:  chatID,
		AgentID:       s.agentID,
		Payload:       prompt,
		AtMs:          now.UnixMilli(),
	})
	return true
}

// parseTarget resolves an explicit "channel:chat_id" heartbeat target into
// an event origin. "last", "none", and empty leave the origin blank: the
// consumer then routes the reply via the session's last known route ("last")
// or suppresses delivery entirely ("none").
func parseTarget(target string) (channel, chatID string) {
	switch target {
	case "", "last", "none":
		return "", ""
	}
	if i := strings.IndexByte(target, ':'); i > 0 && i < len(target)-1 {
		return target[:i], target[i+1:]
	}
	return "", ""
}

// inActiveHours reports whether now falls inside the configured window,
// inclusive of Start and exclusive of End. Start after End wraps past
// midnight. Missing or unparseable bounds leave heartbeats unrestricted.
func inActiveHours(cfg *config.ActiveHoursConfig, now time.Time) bool {
	if cfg == nil || cfg.Start == "" || cfg.End == "" {
		return true
	}
	start, err := parseClock(cfg.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return true
	}
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	minute := now.Hour()*60 + now.Minute()
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
