package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]Job)}
}

func (m *memStore) List(context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memStore) Put(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule Schedule
		wantOK   bool
		want     time.Time
	}{
		{
			name:     "at in future",
			schedule: Schedule{Kind: ScheduleAt, AtMs: now.Add(time.Hour).UnixMilli()},
			wantOK:   true,
			want:     now.Add(time.Hour),
		},
		{
			name:     "at in past has no next",
			schedule: Schedule{Kind: ScheduleAt, AtMs: now.Add(-time.Hour).UnixMilli()},
			wantOK:   false,
		},
		{
			name:     "every adds interval",
			schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64(15 * time.Minute / time.Millisecond)},
			wantOK:   true,
			want:     now.Add(15 * time.Minute),
		},
		{
			name:     "cron daily at eight utc",
			schedule: Schedule{Kind: ScheduleCron, Expr: "0 8 * * *", Tz: "UTC"},
			wantOK:   true,
			want:     time.Date(2025, 6, 11, 8, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok, err := tt.schedule.Next(now)
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Next() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !next.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", next, tt.want)
			}
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	valid := []Schedule{
		{Kind: ScheduleAt, AtMs: 1718000000000},
		{Kind: ScheduleEvery, EveryMs: 60000},
		{Kind: ScheduleCron, Expr: "*/5 * * * *"},
		{Kind: ScheduleCron, Expr: "0 9 * * 1", Tz: "Asia/Jakarta"},
	}
	for _, s := range valid {
		if err := s.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", s, err)
		}
	}

	invalid := []Schedule{
		{Kind: ScheduleAt},
		{Kind: ScheduleEvery, EveryMs: -5},
		{Kind: ScheduleCron, Expr: "not a cron"},
		{Kind: ScheduleCron, Expr: "0 8 * * *", Tz: "Mars/Olympus"},
		{Kind: "sometimes"},
	}
	for _, s := range invalid {
		if err := s.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", s)
		}
	}
}

func TestServiceAddListRemove(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(store, nil,
		WithHandler(func(context.Context, Job) error { return nil }),
		WithNow(func() time.Time { return now }),
	)

	job, err := svc.Add(context.Background(), Job{
		Name:     "standup",
		Message:  "time for standup",
		Channel:  "telegram",
		ChatID:   "123",
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * 1-5", Tz: "UTC"},
	})
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if job.ID == "" {
		t.Fatal("Add() did not assign an id")
	}
	if !job.Enabled {
		t.Error("Add() job not enabled")
	}
	if job.NextRunMs == 0 {
		t.Error("Add() did not compute next run")
	}
	if _, ok := store.jobs[job.ID]; !ok {
		t.Error("Add() did not persist the job")
	}

	if _, err := svc.Add(context.Background(), Job{Message: "x", Schedule: Schedule{Kind: ScheduleEvery}}); err == nil {
		t.Error("Add() with invalid schedule should fail")
	}
	if _, err := svc.Add(context.Background(), Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000}}); err == nil {
		t.Error("Add() without message should fail")
	}

	list := svc.List(context.Background())
	if len(list) != 1 || list[0].ID != job.ID {
		t.Fatalf("List() = %d jobs, want the added job", len(list))
	}

	if err := svc.Remove(context.Background(), job.ID); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := svc.Remove(context.Background(), job.ID); err == nil {
		t.Error("Remove() of a missing job should fail")
	}
	if len(store.jobs) != 0 {
		t.Error("Remove() did not delete from store")
	}
}

func TestServiceRemoveGroup(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, WithHandler(func(context.Context, Job) error { return nil }))

	for i, day := range []string{"1", "2", "3"} {
		_, err := svc.Add(context.Background(), Job{
			ID:       "cycle-" + day,
			Message:  "water the plants",
			GroupID:  "cycle-abc",
			Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * " + day},
		})
		if err != nil {
			t.Fatalf("Add(%d) error: %v", i, err)
		}
	}
	if _, err := svc.Add(context.Background(), Job{
		ID:       "other",
		Message:  "unrelated",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60000},
	}); err != nil {
		t.Fatalf("Add(other) error: %v", err)
	}

	n, err := svc.RemoveGroup(context.Background(), "cycle-abc")
	if err != nil {
		t.Fatalf("RemoveGroup() error: %v", err)
	}
	if n != 3 {
		t.Errorf("RemoveGroup() removed %d jobs, want 3", n)
	}
	if got := len(svc.List(context.Background())); got != 1 {
		t.Errorf("List() after RemoveGroup = %d jobs, want 1", got)
	}
}

func TestRunDueFiresAndReschedules(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	var fired []Job
	svc := NewService(store, nil,
		WithHandler(func(_ context.Context, job Job) error {
			fired = append(fired, job)
			return nil
		}),
		WithNow(func() time.Time { return now }),
	)

	interval, err := svc.Add(context.Background(), Job{
		ID:       "interval",
		Message:  "drink water",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64(30 * time.Minute / time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("Add(interval) error: %v", err)
	}

	// Not yet due.
	if n := svc.RunDue(context.Background()); n != 0 {
		t.Fatalf("RunDue() before due fired %d jobs, want 0", n)
	}

	now = now.Add(31 * time.Minute)
	if n := svc.RunDue(context.Background()); n != 1 {
		t.Fatalf("RunDue() fired %d jobs, want 1", n)
	}
	if len(fired) != 1 || fired[0].ID != "interval" {
		t.Fatalf("handler saw %v, want the interval job", fired)
	}

	updated, ok := svc.Get(interval.ID)
	if !ok {
		t.Fatal("job disappeared after firing")
	}
	if updated.LastRunMs != now.UnixMilli() {
		t.Errorf("LastRunMs = %d, want %d", updated.LastRunMs, now.UnixMilli())
	}
	if updated.NextRunMs <= now.UnixMilli() {
		t.Errorf("NextRunMs = %d, want after %d", updated.NextRunMs, now.UnixMilli())
	}
}

func TestRunDueOneShot(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(store, nil,
		WithHandler(func(context.Context, Job) error { return nil }),
		WithNow(func() time.Time { return now }),
	)

	kept, err := svc.Add(context.Background(), Job{
		ID:       "kept",
		Message:  "one shot kept",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: now.Add(time.Minute).UnixMilli()},
	})
	if err != nil {
		t.Fatalf("Add(kept) error: %v", err)
	}
	if _, err := svc.Add(context.Background(), Job{
		ID:             "gone",
		Message:        "one shot deleted",
		DeleteAfterRun: true,
		Schedule:       Schedule{Kind: ScheduleAt, AtMs: now.Add(time.Minute).UnixMilli()},
	}); err != nil {
		t.Fatalf("Add(gone) error: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := svc.RunDue(context.Background()); n != 2 {
		t.Fatalf("RunDue() fired %d jobs, want 2", n)
	}

	after, ok := svc.Get(kept.ID)
	if !ok {
		t.Fatal("at-job without delete flag should remain, disabled")
	}
	if after.Enabled || after.NextRunMs != 0 {
		t.Errorf("at-job after firing: enabled=%v next=%d, want disabled with no next run", after.Enabled, after.NextRunMs)
	}
	if _, ok := svc.Get("gone"); ok {
		t.Error("delete_after_run job should be removed after firing")
	}
	if _, ok := store.jobs["gone"]; ok {
		t.Error("delete_after_run job should be removed from the store")
	}
}

func TestDeliverRetries(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	calls := 0
	svc := NewService(store, nil,
		WithHandler(func(context.Context, Job) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		}),
		WithRetry(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		WithNow(func() time.Time { return now }),
	)

	if _, err := svc.Add(context.Background(), Job{
		ID:       "flaky",
		Message:  "retry me",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
	}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	now = now.Add(2 * time.Second)
	svc.RunDue(context.Background())
	if calls != 3 {
		t.Errorf("handler called %d times, want 3 (two failures then success)", calls)
	}
	job, _ := svc.Get("flaky")
	if job.LastError != "" {
		t.Errorf("LastError = %q, want empty after eventual success", job.LastError)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	rc := RetryConfig{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := rc.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestReconcileCatchup(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	// Job missed by 30 minutes: inside the 1h window, stays due.
	store.jobs["recent"] = Job{
		ID:        "recent",
		Message:   "missed recently",
		Enabled:   true,
		Schedule:  Schedule{Kind: ScheduleCron, Expr: "30 8 * * *", Tz: "UTC"},
		NextRunMs: now.Add(-30 * time.Minute).UnixMilli(),
	}
	// Job missed by a day: outside the window, skips to the next occurrence.
	store.jobs["stale"] = Job{
		ID:        "stale",
		Message:   "missed long ago",
		Enabled:   true,
		Schedule:  Schedule{Kind: ScheduleCron, Expr: "0 8 * * *", Tz: "UTC"},
		NextRunMs: now.Add(-25 * time.Hour).UnixMilli(),
	}
	// One-shot far in the past: retired.
	store.jobs["expired"] = Job{
		ID:        "expired",
		Message:   "too late",
		Enabled:   true,
		Schedule:  Schedule{Kind: ScheduleAt, AtMs: now.Add(-3 * time.Hour).UnixMilli()},
		NextRunMs: now.Add(-3 * time.Hour).UnixMilli(),
	}

	var fired []string
	svc := NewService(store, nil,
		WithHandler(func(_ context.Context, job Job) error {
			fired = append(fired, job.ID)
			return nil
		}),
		WithNow(func() time.Time { return now }),
		WithTickInterval(time.Hour), // ticks driven manually below
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer svc.Stop(context.Background())

	svc.RunDue(ctx)

	if len(fired) != 1 || fired[0] != "recent" {
		t.Fatalf("fired = %v, want only the recently missed job", fired)
	}

	stale, _ := svc.Get("stale")
	wantNext := time.Date(2025, 6, 11, 8, 0, 0, 0, time.UTC).UnixMilli()
	if stale.NextRunMs != wantNext {
		t.Errorf("stale job NextRunMs = %d, want %d (next occurrence)", stale.NextRunMs, wantNext)
	}

	expired, _ := svc.Get("expired")
	if expired.Enabled {
		t.Error("expired one-shot should be disabled on reconcile")
	}
}

func TestDefaultHandlerPublishesSystemEvent(t *testing.T) {
	store := newMemStore()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	b := bus.New()
	defer b.Close()

	svc := NewService(store, b, WithNow(func() time.Time { return now }))
	if _, err := svc.Add(context.Background(), Job{
		ID:       "evt",
		Message:  "check the oven",
		Channel:  "telegram",
		ChatID:   "42",
		AgentID:  "chef",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
	}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	now = now.Add(2 * time.Second)
	svc.RunDue(context.Background())

	select {
	case ev := <-b.SystemEvents():
		if ev.Kind != bus.EventCron {
			t.Errorf("event kind = %q, want %q", ev.Kind, bus.EventCron)
		}
		if ev.Payload != "check the oven" {
			t.Errorf("event payload = %q", ev.Payload)
		}
		if ev.OriginChannel != "telegram" || ev.OriginChatID != "42" || ev.AgentID != "chef" {
			t.Errorf("event origin = %s/%s agent=%s", ev.OriginChannel, ev.OriginChatID, ev.AgentID)
		}
	default:
		t.Fatal("no system event published")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	job := Job{
		ID:       "j1",
		Name:     "daily",
		Message:  "good morning",
		Channel:  "discord",
		ChatID:   "chan-1",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 8 * * *", Tz: "Asia/Bangkok"},
	}
	if err := fs.Put(context.Background(), job); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	jobs, err := reloaded.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("List() = %d jobs, want 1", len(jobs))
	}
	got := jobs[0]
	if got.ID != job.ID || got.Message != job.Message || got.Schedule.Expr != job.Schedule.Expr || got.Schedule.Tz != job.Schedule.Tz {
		t.Errorf("reloaded job = %+v, want %+v", got, job)
	}

	if err := reloaded.Delete(context.Background(), "j1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	final, _ := NewFileStore(path)
	if jobs, _ := final.List(context.Background()); len(jobs) != 0 {
		t.Errorf("after delete List() = %d jobs, want 0", len(jobs))
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() on corrupt file error: %v", err)
	}
	jobs, _ := fs.List(context.Background())
	if len(jobs) != 0 {
		t.Errorf("corrupt file should load empty, got %d jobs", len(jobs))
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt file should be renamed aside: %v", err)
	}
}
