// Package nlparse is the deterministic natural-language fallback: when the
// provider chain is down or the model refuses a required tool, these
// parsers extract weather queries, reminders, and rotating schedules from
// the raw text. English, Indonesian, Malay, Thai, and Chinese patterns are
// recognized. The parsers never guess: ambiguous input returns no action.
package nlparse

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
)

// Action is a parsed intent with enough structure to execute directly.
type Action interface {
	// Kind names the action for logging and tool routing.
	Kind() string
}

// WeatherQuery asks for current weather. Location may be empty, meaning
// the user's default location.
type WeatherQuery struct {
	Location string
}

func (WeatherQuery) Kind() string { return "weather" }

// Reminder is a one-shot or recurring reminder. When.Kind is "at" for
// one-shot, "every" for fixed intervals, "cron" for clock schedules.
type Reminder struct {
	Message string
	When    cron.Schedule
}

func (Reminder) Kind() string { return "reminder" }

// CycleSchedule is a rotating duty roster ("2 hari jam 7, libur 1 hari,
// berulang"): work segments interleaved with off days, repeating every
// PeriodDays. Events carry the first occurrence of each work-day slot.
type CycleSchedule struct {
	Title      string
	PeriodDays int
	Recurring  bool
	Events     []CycleEvent
}

func (CycleSchedule) Kind() string { return "cycle" }

// CycleEvent is one slot in the cycle: Label is "mulai" (start) or
// "selesai" (end), DayOffset the day within the cycle, AtMs the first
// occurrence.
type CycleEvent struct {
	Label     string
	DayOffset int
	AtMs      int64
}

var reminderMarkers = []string{
	"remind me", "reminder", "remind us",
	"ingatkan", "peringatkan", "ingetin",
	"เตือน",
	"提醒",
}

var recurringMarkers = []string{
	"every", "daily", "each ",
	"setiap", "tiap ",
	"ทุก",
	"每",
}

// Parse extracts the most specific action from text. Cycle schedules are
// matched first (their day segments would otherwise read as relative
// times), then reminders, then weather. ok=false means no confident match.
func Parse(text string, now time.Time, loc *time.Location) (Action, bool) {
	if loc == nil {
		loc = time.Local
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if cycle, ok := ParseCycle(trimmed, now, loc); ok {
		return cycle, true
	}
	if rem, ok := ParseReminder(trimmed, now, loc); ok {
		return rem, true
	}
	if w, ok := ParseWeather(trimmed); ok {
		return w, true
	}
	return nil, false
}

func containsAny(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
