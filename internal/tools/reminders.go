package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
	"github.com/nextlevelbuilder/omniclaw/internal/nlparse"
)

const dayMs int64 = 24 * 60 * 60 * 1000

// RemindersTool manages scheduled reminders through the cron service:
// one-shots, fixed intervals, cron expressions, and natural-language text.
// Rotating duty cycles parsed from text become a job group that tears down
// together.
type RemindersTool struct {
	svc *cron.Service
	loc *time.Location
}

func NewRemindersTool(svc *cron.Service, loc *time.Location) *RemindersTool {
	if loc == nil {
		loc = time.Local
	}
	return &RemindersTool{svc: svc, loc: loc}
}

func (t *RemindersTool) Name() string { return "reminders" }
func (t *RemindersTool) Description() string {
	return "Create, list, and remove scheduled reminders. Give a structured schedule (at/in_minutes/every_minutes/cron) or natural-language text"
}
func (t *RemindersTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "remove", "remove_group"},
				"description": "What to do",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "add: the reminder text delivered when it fires",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "add: natural-language schedule, used when no structured field is given",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "add: one-shot time, RFC3339 or 'YYYY-MM-DD HH:MM' local",
			},
			"in_minutes": map[string]interface{}{
				"type":        "number",
				"description": "add: one-shot, this many minutes from now",
			},
			"every_minutes": map[string]interface{}{
				"type":        "number",
				"description": "add: recur every N minutes",
			},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "add: five-field cron expression",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "remove: job id from list",
			},
			"group_id": map[string]interface{}{
				"type":        "string",
				"description": "remove_group: group id from list",
			},
		},
		"required": []string{"action"},
	}
}

func (t *RemindersTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.svc == nil {
		return ErrorResult("scheduler not available")
	}
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(ctx, args)
	case "list":
		return t.list(ctx)
	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("id is required for remove")
		}
		if err := t.svc.Remove(ctx, id); err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("Removed reminder %s", id))
	case "remove_group":
		groupID, _ := args["group_id"].(string)
		if groupID == "" {
			return ErrorResult("group_id is required for remove_group")
		}
		n, err := t.svc.RemoveGroup(ctx, groupID)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("Removed %d reminders from group %s", n, groupID))
	default:
		return ErrorResult("action must be one of add, list, remove, remove_group")
	}
}

func (t *RemindersTool) add(ctx context.Context, args map[string]interface{}) *Result {
	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	agentID := ToolAgentIDFromCtx(ctx)
	message, _ := args["message"].(string)

	schedule, found, err := t.scheduleFromArgs(args)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if found {
		if strings.TrimSpace(message) == "" {
			return ErrorResult("message is required when giving a structured schedule")
		}
		job, err := t.svc.Add(ctx, cron.Job{
			Name:           message,
			Schedule:       schedule,
			Message:        message,
			Channel:        channel,
			ChatID:         chatID,
			AgentID:        agentID,
			DeleteAfterRun: schedule.Kind == cron.ScheduleAt,
		})
		if err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("Reminder %s scheduled %s", job.ID, job.Schedule.Describe()))
	}

	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		text = message
	}
	if strings.TrimSpace(text) == "" {
		return ErrorResult("give a schedule (at/in_minutes/every_minutes/cron) or natural-language text")
	}

	parsed, ok := nlparse.Parse(text, time.Now(), t.loc)
	if !ok {
		return ErrorResult("could not parse a schedule from text; pass at, in_minutes, every_minutes, or cron instead")
	}
	switch a := parsed.(type) {
	case *nlparse.Reminder:
		job, err := t.svc.Add(ctx, cron.Job{
			Name:           a.Message,
			Schedule:       a.When,
			Message:        a.Message,
			Channel:        channel,
			ChatID:         chatID,
			AgentID:        agentID,
			DeleteAfterRun: a.When.Kind == cron.ScheduleAt,
		})
		if err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("Reminder %s scheduled %s: %s", job.ID, job.Schedule.Describe(), a.Message))
	case *nlparse.CycleSchedule:
		return t.addCycle(ctx, a, channel, chatID, agentID)
	default:
		return ErrorResult("text does not describe a reminder")
	}
}

// addCycle turns a rotating duty roster into one job per slot, all sharing a
// group id. Recurring cycles use anchored every-schedules so each slot keeps
// its wall-clock phase.
func (t *RemindersTool) addCycle(ctx context.Context, c *nlparse.CycleSchedule, channel, chatID, agentID string) *Result {
	if len(c.Events) == 0 {
		return ErrorResult("cycle has no events")
	}
	group := uuid.NewString()
	title := t.uniqueCycleTitle(ctx, c)
	for _, ev := range c.Events {
		name := strings.TrimSpace(title + " " + ev.Label)
		sched := cron.Schedule{Kind: cron.ScheduleAt, AtMs: ev.AtMs}
		if c.Recurring {
			sched = cron.Schedule{
				Kind:     cron.ScheduleEvery,
				EveryMs:  int64(c.PeriodDays) * dayMs,
				AnchorMs: ev.AtMs,
			}
		}
		_, err := t.svc.Add(ctx, cron.Job{
			Name:           name,
			Schedule:       sched,
			Message:        name,
			Channel:        channel,
			ChatID:         chatID,
			AgentID:        agentID,
			GroupID:        group,
			DeleteAfterRun: !c.Recurring,
		})
		if err != nil {
			// Roll back the partial group so a bad slot doesn't leave strays.
			t.svc.RemoveGroup(ctx, group)
			return ErrorResult(fmt.Sprintf("failed to schedule cycle: %v", err))
		}
	}
	recur := "one-shot"
	if c.Recurring {
		recur = fmt.Sprintf("repeating every %d days", c.PeriodDays)
	}
	return NewResult(fmt.Sprintf("Scheduled %d reminders (%s) in group %s", len(c.Events), recur, group))
}

// uniqueCycleTitle suffixes the cycle title with " (n)" until none of the
// slot names it would produce collides with an existing job.
func (t *RemindersTool) uniqueCycleTitle(ctx context.Context, c *nlparse.CycleSchedule) string {
	existing := make(map[string]bool)
	for _, j := range t.svc.List(ctx) {
		existing[j.Name] = true
	}
	taken := func(title string) bool {
		for _, ev := range c.Events {
			if existing[strings.TrimSpace(title+" "+ev.Label)] {
				return true
			}
		}
		return false
	}
	title := c.Title
	for n := 2; taken(title); n++ {
		title = fmt.Sprintf("%s (%d)", c.Title, n)
	}
	return title
}

func (t *RemindersTool) list(ctx context.Context) *Result {
	jobs := t.svc.List(ctx)
	if len(jobs) == 0 {
		return SilentResult("(no reminders scheduled)")
	}
	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "[%s] %s", j.ID, j.Schedule.Describe())
		if j.NextRunMs > 0 {
			fmt.Fprintf(&b, ", next %s", time.UnixMilli(j.NextRunMs).In(t.loc).Format("2006-01-02 15:04"))
		}
		if !j.Enabled {
			b.WriteString(" (disabled)")
		}
		if j.GroupID != "" {
			fmt.Fprintf(&b, " (group %s)", j.GroupID)
		}
		fmt.Fprintf(&b, ": %s\n", j.Message)
	}
	return SilentResult(b.String())
}

func (t *RemindersTool) scheduleFromArgs(args map[string]interface{}) (cron.Schedule, bool, error) {
	if atStr, _ := args["at"].(string); atStr != "" {
		ts, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			ts, err = time.ParseInLocation("2006-01-02 15:04", atStr, t.loc)
		}
		if err != nil {
			return cron.Schedule{}, false, fmt.Errorf("cannot parse at time %q (want RFC3339 or 'YYYY-MM-DD HH:MM')", atStr)
		}
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: ts.UnixMilli()}, true, nil
	}
	if v, ok := args["in_minutes"].(float64); ok && v > 0 {
		at := time.Now().Add(time.Duration(v * float64(time.Minute)))
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: at.UnixMilli()}, true, nil
	}
	if v, ok := args["every_minutes"].(float64); ok && v > 0 {
		return cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: int64(v * float64(time.Minute/time.Millisecond))}, true, nil
	}
	if expr, _ := args["cron"].(string); expr != "" {
		return cron.Schedule{Kind: cron.ScheduleCron, Expr: expr, Tz: t.loc.String()}, true, nil
	}
	return cron.Schedule{}, false, nil
}
