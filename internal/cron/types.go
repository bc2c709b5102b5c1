// Package cron schedules and delivers timed jobs: one-shot reminders,
// fixed intervals, and full cron expressions. Fired jobs are published as
// system events on the bus and reach the agent as synthetic inbound
// messages on the "system" channel.
package cron

import (
	"context"
	"time"
)

// ScheduleKind discriminates the schedule union.
type ScheduleKind string

const (
	// ScheduleAt fires once at an absolute wall-clock time.
	ScheduleAt ScheduleKind = "at"
	// ScheduleEvery fires on a fixed interval anchored at the last run.
	ScheduleEvery ScheduleKind = "every"
	// ScheduleCron fires per a five-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// Schedule is the normalized schedule attached to a job. Exactly one of
// AtMs/EveryMs/Expr is meaningful depending on Kind. AnchorMs optionally
// phase-locks an every schedule: runs land at anchor + k*every instead of
// drifting with delivery time.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	AtMs     int64        `json:"at_ms,omitempty"`
	EveryMs  int64        `json:"every_ms,omitempty"`
	AnchorMs int64        `json:"anchor_ms,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	Tz       string       `json:"tz,omitempty"`
}

// Job is a persisted scheduled task. Message is delivered to the agent when
// the job fires; Channel/ChatID name where the eventual reply should go.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Schedule       Schedule `json:"schedule"`
	Message        string   `json:"message"`
	Channel        string   `json:"channel,omitempty"`
	ChatID         string   `json:"chat_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	GroupID        string   `json:"group_id,omitempty"` // jobs created together (e.g. a rotating cycle) share a group
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
	CreatedAtMs    int64    `json:"created_at_ms"`
	LastRunMs      int64    `json:"last_run_ms,omitempty"`
	NextRunMs      int64    `json:"next_run_ms,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
}

// OneShot reports whether the job should not recur after firing.
func (j Job) OneShot() bool {
	return j.Schedule.Kind == ScheduleAt || j.DeleteAfterRun
}

// Store persists jobs. Implementations: file-backed JSON (standalone mode)
// and Postgres (managed mode).
type Store interface {
	List(ctx context.Context) ([]Job, error)
	Put(ctx context.Context, job Job) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig bounds delivery retries for a fired job whose handler failed.
type RetryConfig struct {
	MaxRetries int           // retries after the initial attempt; 0 disables retry
	BaseDelay  time.Duration // first backoff delay, doubled each retry
	MaxDelay   time.Duration // backoff cap
}

// DefaultRetryConfig returns the retry policy used when the config file
// does not override it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the backoff before retry attempt n (1-based).
func (rc RetryConfig) Delay(attempt int) time.Duration {
	d := rc.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		return rc.MaxDelay
	}
	return d
}
