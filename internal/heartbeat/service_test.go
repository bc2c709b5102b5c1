package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

var beatNow = time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.SystemEvent
}

func (p *capturePublisher) PublishSystemEvent(ev bus.SystemEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) snapshot() []bus.SystemEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.SystemEvent, len(p.events))
	copy(out, p.events)
	return out
}

func TestBeatPublishesConfiguredPrompt(t *testing.T) {
	pub := &capturePublisher{}
	cfg := &config.HeartbeatConfig{Prompt: "Check the logs."}
	svc := NewService(pub, cfg, "default", t.TempDir(), WithNow(func() time.Time { return beatNow }))

	if !svc.Beat() {
		t.Fatal("Beat returned false")
	}
	events := pub.snapshot()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != bus.EventHeartbeat {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.Payload != "Check the logs." {
		t.Errorf("payload = %q", ev.Payload)
	}
	if ev.AgentID != "default" {
		t.Errorf("agent = %q", ev.AgentID)
	}
	if ev.OriginChannel != "" || ev.OriginChatID != "" {
		t.Errorf("origin = %q:%q, want empty", ev.OriginChannel, ev.OriginChatID)
	}
	if ev.AtMs != beatNow.UnixMilli() {
		t.Errorf("at_ms = %d", ev.AtMs)
	}
}

func TestBeatReadsWorkspacePrompt(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "HEARTBEAT.md"), []byte("Scan the inboxes.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pub := &capturePublisher{}
	svc := NewService(pub, &config.HeartbeatConfig{}, "default", ws)

	if !svc.Beat() {
		t.Fatal("Beat returned false")
	}
	if got := pub.snapshot()[0].Payload; got != "Scan the inboxes." {
		t.Errorf("payload = %q", got)
	}
}

func TestBeatSkipsWithoutPrompt(t *testing.T) {
	pub := &capturePublisher{}
	svc := NewService(pub, &config.HeartbeatConfig{}, "default", t.TempDir())
	if svc.Beat() {
		t.Error("Beat fired with no prompt available")
	}

	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "HEARTBEAT.md"), []byte("   \n\t\n"), 0o644)
	svc = NewService(pub, &config.HeartbeatConfig{}, "default", ws)
	if svc.Beat() {
		t.Error("Beat fired with a blank prompt file")
	}
	if n := len(pub.snapshot()); n != 0 {
		t.Errorf("published %d events, want 0", n)
	}
}

func TestBeatTargetOrigin(t *testing.T) {
	pub := &capturePublisher{}
	cfg := &config.HeartbeatConfig{Prompt: "tick", Target: "telegram:123"}
	svc := NewService(pub, cfg, "default", t.TempDir())

	svc.Beat()
	ev := pub.snapshot()[0]
	if ev.OriginChannel != "telegram" || ev.OriginChatID != "123" {
		t.Errorf("origin = %q:%q", ev.OriginChannel, ev.OriginChatID)
	}
}

func TestBeatActiveHours(t *testing.T) {
	tests := []struct {
		name  string
		hours *config.ActiveHoursConfig
		want  bool
	}{
		{"no window", nil, true},
		{"inside window", &config.ActiveHoursConfig{Start: "09:00", End: "17:00"}, true},
		{"before window", &config.ActiveHoursConfig{Start: "15:00", End: "17:00"}, false},
		{"at exclusive end", &config.ActiveHoursConfig{Start: "09:00", End: "14:30"}, false},
		{"at inclusive start", &config.ActiveHoursConfig{Start: "14:30", End: "17:00"}, true},
		{"overnight outside", &config.ActiveHoursConfig{Start: "22:00", End: "06:00"}, false},
		{"equal bounds always on", &config.ActiveHoursConfig{Start: "10:00", End: "10:00"}, true},
		{"unparseable start fails open", &config.ActiveHoursConfig{Start: "soon", End: "17:00"}, true},
		{"explicit utc", &config.ActiveHoursConfig{Start: "14:00", End: "15:00", Timezone: "UTC"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &capturePublisher{}
			cfg := &config.HeartbeatConfig{Prompt: "tick", ActiveHours: tt.hours}
			svc := NewService(pub, cfg, "default", t.TempDir(), WithNow(func() time.Time { return beatNow }))
			if got := svc.Beat(); got != tt.want {
				t.Errorf("Beat at 14:30 = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInActiveHoursUsesClockZone(t *testing.T) {
	// 21:30 in a +7 zone; the window is evaluated on the clock's own zone
	// when no explicit timezone is configured.
	wib := time.FixedZone("WIB", 7*3600)
	evening := time.Date(2025, 6, 10, 21, 30, 0, 0, wib)

	if !inActiveHours(&config.ActiveHoursConfig{Start: "21:00", End: "22:00"}, evening) {
		t.Error("21:30 local not inside 21:00-22:00")
	}
	if inActiveHours(&config.ActiveHoursConfig{Start: "14:00", End: "15:00"}, evening) {
		t.Error("21:30 local inside 14:00-15:00")
	}

	// Overnight window wraps midnight.
	if !inActiveHours(&config.ActiveHoursConfig{Start: "22:00", End: "06:00"}, evening.Add(time.Hour)) {
		t.Error("22:30 not inside overnight 22:00-06:00")
	}
	if !inActiveHours(&config.ActiveHoursConfig{Start: "22:00", End: "06:00"}, evening.Add(8*time.Hour)) {
		t.Error("05:30 not inside overnight 22:00-06:00")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target  string
		channel string
		chatID  string
	}{
		{"", "", ""},
		{"last", "", ""},
		{"none", "", ""},
		{"telegram:123", "telegram", "123"},
		{"discord:42:extra", "discord", "42:extra"},
		{":123", "", ""},
		{"telegram:", "", ""},
	}
	for _, tt := range tests {
		ch, chat := parseTarget(tt.target)
		if ch != tt.channel || chat != tt.chatID {
			t.Errorf("parseTarget(%q) = %q, %q; want %q, %q", tt.target, ch, chat, tt.channel, tt.chatID)
		}
	}
}

func TestServiceStartDisabled(t *testing.T) {
	pub := &capturePublisher{}
	svc := NewService(pub, nil, "default", t.TempDir())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	svc = NewService(pub, &config.HeartbeatConfig{Every: "0m"}, "default", t.TempDir())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start with 0m: %v", err)
	}
	svc.Stop(context.Background())
	if n := len(pub.snapshot()); n != 0 {
		t.Errorf("disabled service published %d events", n)
	}
}

func TestServiceTicks(t *testing.T) {
	pub := &capturePublisher{}
	cfg := &config.HeartbeatConfig{Every: "10ms", Prompt: "tick"}
	svc := NewService(pub, cfg, "default", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(pub.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no heartbeat within 2s")
		case <-time.After(5 * time.Millisecond):
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHeartbeatConfigInterval(t *testing.T) {
	var nilCfg *config.HeartbeatConfig
	if got := nilCfg.Interval(); got != 0 {
		t.Errorf("nil config interval = %v", got)
	}
	if got := (&config.HeartbeatConfig{}).Interval(); got != 30*time.Minute {
		t.Errorf("default interval = %v", got)
	}
	if got := (&config.HeartbeatConfig{Every: "1h"}).Interval(); got != time.Hour {
		t.Errorf("1h interval = %v", got)
	}
	if got := (&config.HeartbeatConfig{Every: "0m"}).Interval(); got != 0 {
		t.Errorf("0m interval = %v", got)
	}
	if got := (&config.HeartbeatConfig{Every: "nonsense"}).Interval(); got != 30*time.Minute {
		t.Errorf("unparseable interval = %v", got)
	}
}
