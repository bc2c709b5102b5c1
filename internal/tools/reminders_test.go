package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
)

func newTestScheduler(t *testing.T) *cron.Service {
	t.Helper()
	store, err := cron.NewFileStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return cron.NewService(store, nil,
		cron.WithHandler(func(context.Context, cron.Job) error { return nil }),
	)
}

func TestRemindersAddStructured(t *testing.T) {
	svc := newTestScheduler(t)
	tool := NewRemindersTool(svc, time.UTC)

	ctx := WithToolChannel(context.Background(), "telegram")
	ctx = WithToolChatID(ctx, "42")
	ctx = WithToolAgentID(ctx, "main")

	res := tool.Execute(ctx, map[string]interface{}{
		"action":        "add",
		"message":       "drink water",
		"every_minutes": float64(30),
	})
	if res.IsError {
		t.Fatalf("add: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "scheduled") {
		t.Errorf("result = %q", res.ForLLM)
	}

	jobs := svc.List(ctx)
	if len(jobs) != 1 {
		t.Fatalf("List() = %d jobs", len(jobs))
	}
	job := jobs[0]
	if job.Message != "drink water" || job.Channel != "telegram" || job.ChatID != "42" || job.AgentID != "main" {
		t.Errorf("job = %+v", job)
	}
	if job.Schedule.Kind != cron.ScheduleEvery || job.Schedule.EveryMs != 30*60*1000 {
		t.Errorf("schedule = %+v", job.Schedule)
	}
	if job.DeleteAfterRun {
		t.Error("recurring reminder must not be delete_after_run")
	}

	// Structured schedule without a message is rejected.
	res = tool.Execute(ctx, map[string]interface{}{"action": "add", "in_minutes": float64(5)})
	if !res.IsError || !strings.Contains(res.ForLLM, "message is required") {
		t.Errorf("missing message = %+v", res)
	}
}

func TestRemindersAddOneShotAt(t *testing.T) {
	svc := newTestScheduler(t)
	tool := NewRemindersTool(svc, time.UTC)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{
		"action":  "add",
		"message": "dentist",
		"at":      "2030-01-02 15:04",
	})
	if res.IsError {
		t.Fatalf("add at: %s", res.ForLLM)
	}

	jobs := svc.List(ctx)
	if len(jobs) != 1 {
		t.Fatalf("List() = %d jobs", len(jobs))
	}
	job := jobs[0]
	if job.Schedule.Kind != cron.ScheduleAt {
		t.Errorf("schedule kind = %s", job.Schedule.Kind)
	}
	want := time.Date(2030, 1, 2, 15, 4, 0, 0, time.UTC).UnixMilli()
	if job.Schedule.AtMs != want {
		t.Errorf("AtMs = %d, want %d", job.Schedule.AtMs, want)
	}
	if !job.DeleteAfterRun {
		t.Error("one-shot reminder should be delete_after_run")
	}

	res = tool.Execute(ctx, map[string]interface{}{
		"action": "add", "message": "x", "at": "next tuesday-ish",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "cannot parse at time") {
		t.Errorf("bad at = %+v", res)
	}
}

func TestRemindersAddFromText(t *testing.T) {
	svc := newTestScheduler(t)
	tool := NewRemindersTool(svc, time.UTC)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"action": "add",
		"text":   "remind me to stand up in 20 minutes",
	})
	if res.IsError {
		t.Fatalf("add text: %s", res.ForLLM)
	}
	jobs := svc.List(context.Background())
	if len(jobs) != 1 {
		t.Fatalf("List() = %d jobs", len(jobs))
	}
	if !strings.Contains(jobs[0].Message, "stand up") {
		t.Errorf("message = %q", jobs[0].Message)
	}
	if jobs[0].Schedule.Kind != cron.ScheduleAt {
		t.Errorf("schedule = %+v", jobs[0].Schedule)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{
		"action": "add",
		"text":   "tell me a joke",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "could not parse") {
		t.Errorf("unparseable text = %+v", res)
	}
}

func TestRemindersCycleGroup(t *testing.T) {
	svc := newTestScheduler(t)
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata: %v", err)
	}
	tool := NewRemindersTool(svc, jakarta)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"action": "add",
		"text":   "jadwal piket 2 hari jam 7, libur 1 hari, berulang",
	})
	if res.IsError {
		t.Fatalf("add cycle: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "in group ") {
		t.Errorf("result = %q", res.ForLLM)
	}

	jobs := svc.List(context.Background())
	if len(jobs) != 2 {
		t.Fatalf("cycle produced %d jobs, want 2 work-day slots", len(jobs))
	}
	group := jobs[0].GroupID
	if group == "" || jobs[1].GroupID != group {
		t.Fatalf("jobs not grouped: %q vs %q", jobs[0].GroupID, jobs[1].GroupID)
	}
	for _, j := range jobs {
		if j.Schedule.Kind != cron.ScheduleEvery {
			t.Errorf("recurring cycle slot kind = %s", j.Schedule.Kind)
		}
		if j.Schedule.EveryMs != 3*dayMs {
			t.Errorf("EveryMs = %d, want 3 days", j.Schedule.EveryMs)
		}
		if j.Schedule.AnchorMs == 0 {
			t.Error("cycle slot missing anchor")
		}
	}

	out := tool.Execute(context.Background(), map[string]interface{}{
		"action": "remove_group", "group_id": group,
	})
	if out.IsError || !strings.Contains(out.ForLLM, "Removed 2 reminders") {
		t.Fatalf("remove_group = %+v", out)
	}
	if got := svc.List(context.Background()); len(got) != 0 {
		t.Errorf("jobs after remove_group = %d", len(got))
	}
}

func TestRemindersListAndRemove(t *testing.T) {
	svc := newTestScheduler(t)
	tool := NewRemindersTool(svc, time.UTC)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{"action": "list"})
	if res.IsError || res.ForLLM != "(no reminders scheduled)" {
		t.Fatalf("empty list = %+v", res)
	}

	tool.Execute(ctx, map[string]interface{}{
		"action": "add", "message": "standup", "cron": "0 9 * * 1-5",
	})
	jobs := svc.List(ctx)
	if len(jobs) != 1 || jobs[0].Schedule.Expr != "0 9 * * 1-5" {
		t.Fatalf("cron add = %+v", jobs)
	}
	if jobs[0].Schedule.Tz != "UTC" {
		t.Errorf("cron Tz = %q, want the tool's location", jobs[0].Schedule.Tz)
	}

	res = tool.Execute(ctx, map[string]interface{}{"action": "list"})
	if !strings.Contains(res.ForLLM, jobs[0].ID) || !strings.Contains(res.ForLLM, "standup") {
		t.Errorf("list = %q", res.ForLLM)
	}

	res = tool.Execute(ctx, map[string]interface{}{"action": "remove", "id": jobs[0].ID})
	if res.IsError {
		t.Fatalf("remove: %s", res.ForLLM)
	}
	if got := svc.List(ctx); len(got) != 0 {
		t.Errorf("jobs after remove = %d", len(got))
	}

	res = tool.Execute(ctx, map[string]interface{}{"action": "teleport"})
	if !res.IsError {
		t.Error("unknown action should fail")
	}
}

func TestRemindersCycleTitleMadeUnique(t *testing.T) {
	svc := newTestScheduler(t)
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata: %v", err)
	}
	tool := NewRemindersTool(svc, jakarta)

	args := map[string]interface{}{
		"action": "add",
		"text":   "jadwal piket 2 hari jam 7, libur 1 hari, berulang",
	}
	for i := 0; i < 3; i++ {
		if res := tool.Execute(context.Background(), args); res.IsError {
			t.Fatalf("add cycle %d: %s", i, res.ForLLM)
		}
	}

	jobs := svc.List(context.Background())
	if len(jobs) != 6 {
		t.Fatalf("got %d jobs, want 3 cycles of 2 slots", len(jobs))
	}

	// Slots within one cycle share a name; across cycles the title gets a
	// numbered suffix, so no name spans two groups.
	nameGroups := make(map[string]map[string]bool)
	groups := make(map[string]bool)
	for _, j := range jobs {
		if nameGroups[j.Name] == nil {
			nameGroups[j.Name] = make(map[string]bool)
		}
		nameGroups[j.Name][j.GroupID] = true
		groups[j.GroupID] = true
	}
	if len(groups) != 3 {
		t.Errorf("got %d groups, want 3", len(groups))
	}
	if len(nameGroups) != 3 {
		t.Errorf("got %d distinct slot names, want one per cycle: %v", len(nameGroups), nameGroups)
	}
	for name, g := range nameGroups {
		if len(g) > 1 {
			t.Errorf("slot name %q shared by %d groups", name, len(g))
		}
	}
	for _, suffix := range []string{"(2)", "(3)"} {
		var found bool
		for name := range nameGroups {
			if strings.Contains(name, suffix) {
				found = true
			}
		}
		if !found {
			t.Errorf("no slot name carries the %s suffix: %v", suffix, nameGroups)
		}
	}
}
