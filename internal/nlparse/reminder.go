package nlparse

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
)

const maxReminderMessage = 180

// reminderLeaders are imperative markers stripped from the message body.
// Longer variants first so "remind me to" goes before "remind me".
var reminderLeaders = []string{
	"remind me to", "remind me about", "remind me", "remind us to", "remind us",
	"set a reminder to", "set a reminder for", "set a reminder", "reminder to", "reminder:",
	"ingatkan saya untuk", "ingatkan saya", "ingatkan aku", "ingatkan", "ingetin",
	"peringatkan saya", "peringatkan",
	"tolong", "please",
	"提醒我", "提醒",
	"เตือนฉัน", "เตือนให้", "เตือน",
}

// ParseReminder extracts a reminder with either an absolute fire time or a
// recurring schedule. It needs a reminder marker, or a recurring marker
// with a resolvable schedule. ok=false when no time can be determined.
func ParseReminder(text string, now time.Time, loc *time.Location) (*Reminder, bool) {
	if loc == nil {
		loc = time.Local
	}
	lower := strings.ToLower(text)
	hasReminderMarker := containsAny(lower, reminderMarkers)
	hasRecurringMarker := containsAny(lower, recurringMarkers)
	if !hasReminderMarker && !hasRecurringMarker {
		return nil, false
	}

	if hasRecurringMarker {
		if sched, span, ok := parseRecurring(text, lower, loc); ok {
			return &Reminder{
				Message: extractMessage(text, span),
				When:    sched,
			}, true
		}
		if !hasReminderMarker {
			return nil, false
		}
	}

	// One-shot: relative offset first ("in 10 minutes"), then wall-clock
	// ("besok jam 7").
	if rel, ok := findRelative(text); ok {
		return &Reminder{
			Message: extractMessage(text, rel.span),
			When:    cron.Schedule{Kind: cron.ScheduleAt, AtMs: now.Add(time.Duration(rel.offsetMs) * time.Millisecond).UnixMilli()},
		}, true
	}
	if cm, ok := findClock(text); ok {
		fireAt := resolveClock(cm, now, loc, findDayOffset(lower))
		return &Reminder{
			Message: extractMessage(text, cm.span),
			When:    cron.Schedule{Kind: cron.ScheduleAt, AtMs: fireAt.UnixMilli()},
		}, true
	}

	// A reminder with no determinable time is ambiguous.
	return nil, false
}

// parseRecurring resolves weekly, daily, and interval schedules, returning
// the matched span for message extraction. Weekly goes first: Thai "every
// monday" is "ทุกวัน" + weekday, which would otherwise read as daily.
func parseRecurring(text, lower string, loc *time.Location) (cron.Schedule, [2]int, bool) {
	// Weekly: "every monday", "setiap senin jam 7" -> "0 9 * * 1"
	if dow, name, ok := findWeekday(lower); ok {
		idx := strings.Index(lower, name)
		hour, minute := defaultHour()
		span := [2]int{idx, idx + len(name)}
		span[0] = expandLeft(text, span[0], []string{"every", "setiap", "tiap", "each", "每", "ทุกวัน", "ทุก"})
		if cm, ok := findClock(text); ok {
			hour, minute = cm.hour, cm.minute
			span = unionSpan(span, cm.span)
		}
		return cron.Schedule{
			Kind: cron.ScheduleCron,
			Expr: fmt.Sprintf("%d %d * * %d", minute, hour, dow),
			Tz:   loc.String(),
		}, span, true
	}

	// Daily: "every day at 8" -> "0 8 * * *"
	for _, marker := range dailyMarkers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		hour, minute := defaultHour()
		span := [2]int{idx, idx + len(marker)}
		if cm, ok := findClock(text); ok {
			hour, minute = cm.hour, cm.minute
			span = unionSpan(span, cm.span)
		}
		return cron.Schedule{
			Kind: cron.ScheduleCron,
			Expr: fmt.Sprintf("%d %d * * *", minute, hour),
			Tz:   loc.String(),
		}, span, true
	}

	// Interval: "every 2 hours", "setiap 30 menit"
	if everyMs, ok := findInterval(text); ok {
		m := intervalRe.FindStringIndex(text)
		span := [2]int{0, 0}
		if m != nil {
			span = [2]int{m[0], m[1]}
		}
		return cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: everyMs}, span, true
	}

	return cron.Schedule{}, [2]int{}, false
}

func unionSpan(a, b [2]int) [2]int {
	if b[0] < a[0] {
		a[0] = b[0]
	}
	if b[1] > a[1] {
		a[1] = b[1]
	}
	return a
}

// extractMessage removes the time span and imperative markers, leaving the
// thing to be reminded about. Defaults to "Reminder" when nothing remains.
func extractMessage(text string, timeSpan [2]int) string {
	msg := text
	if timeSpan[1] > timeSpan[0] && timeSpan[1] <= len(text) {
		msg = text[:timeSpan[0]] + " " + text[timeSpan[1]:]
	}

	// Strip leaders and day words wherever they appear.
	lowerMsg := strings.ToLower(msg)
	for _, leader := range reminderLeaders {
		for {
			idx := strings.Index(lowerMsg, leader)
			if idx < 0 {
				break
			}
			msg = msg[:idx] + " " + msg[idx+len(leader):]
			lowerMsg = strings.ToLower(msg)
		}
	}
	for _, d := range dayOffsets {
		lowerMsg = strings.ToLower(msg)
		if idx := strings.Index(lowerMsg, d.word); idx >= 0 {
			msg = msg[:idx] + " " + msg[idx+len(d.word):]
		}
	}

	msg = strings.Join(strings.Fields(msg), " ")
	msg = strings.Trim(msg, " .,!?;:")
	// Leading connectives left over from span removal.
	for _, prefix := range []string{"to ", "untuk ", "about ", "tentang ", "that ", "ให้"} {
		if strings.HasPrefix(strings.ToLower(msg), prefix) {
			msg = msg[len(prefix):]
			break
		}
	}
	msg = strings.TrimSpace(msg)

	if msg == "" {
		return "Reminder"
	}
	if runes := []rune(msg); len(runes) > maxReminderMessage {
		msg = string(runes[:maxReminderMessage])
	}
	return msg
}
