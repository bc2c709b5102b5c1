package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Validate checks the schedule is well-formed. Cron expressions are
// validated with gronx; timezones must resolve via time.LoadLocation.
func (s Schedule) Validate() error {
	if s.Tz != "" {
		if _, err := time.LoadLocation(s.Tz); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Tz, err)
		}
	}
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires at_ms")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive every_ms")
		}
	case ScheduleCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next computes the first run strictly after the given instant. ok=false
// means the schedule has no future run (a one-shot already in the past).
func (s Schedule) Next(after time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case ScheduleAt:
		at := time.UnixMilli(s.AtMs)
		if !at.After(after) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule requires a positive every_ms")
		}
		period := time.Duration(s.EveryMs) * time.Millisecond
		if s.AnchorMs > 0 {
			anchor := time.UnixMilli(s.AnchorMs)
			if anchor.After(after) {
				return anchor, true, nil
			}
			steps := after.Sub(anchor)/period + 1
			return anchor.Add(steps * period), true, nil
		}
		return after.Add(period), true, nil
	case ScheduleCron:
		loc := time.Local
		if s.Tz != "" {
			l, lerr := time.LoadLocation(s.Tz)
			if lerr != nil {
				return time.Time{}, false, fmt.Errorf("invalid timezone %q: %w", s.Tz, lerr)
			}
			loc = l
		}
		tick, terr := gronx.NextTickAfter(s.Expr, after.In(loc), false)
		if terr != nil {
			return time.Time{}, false, fmt.Errorf("cron expression %q: %w", s.Expr, terr)
		}
		return tick, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Describe renders the schedule for job listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case ScheduleAt:
		return "at " + time.UnixMilli(s.AtMs).Format("2006-01-02 15:04")
	case ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case ScheduleCron:
		if s.Tz != "" {
			return fmt.Sprintf("cron %s (%s)", s.Expr, s.Tz)
		}
		return "cron " + s.Expr
	default:
		return string(s.Kind)
	}
}
