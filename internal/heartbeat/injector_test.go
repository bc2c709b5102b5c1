package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

func consumeOne(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message within 2s")
	}
	return msg
}

func TestInjectorConvertsEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()
	inj := NewInjector(b, "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inj.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inj.Stop(context.Background())

	b.PublishSystemEvent(bus.SystemEvent{
		Kind:          bus.EventHeartbeat,
		OriginChannel: "telegram",
		OriginChatID:  "123",
		Payload:       "tick",
	})
	msg := consumeOne(t, b)
	if msg.Channel != "system" || msg.SenderID != "system" {
		t.Errorf("channel/sender = %q/%q", msg.Channel, msg.SenderID)
	}
	if msg.ChatID != "telegram:123" {
		t.Errorf("chat id = %q", msg.ChatID)
	}
	if msg.Content != "tick" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.AgentID != "default" {
		t.Errorf("agent = %q", msg.AgentID)
	}
	if msg.SessionKey != "agent:default:main" {
		t.Errorf("session key = %q", msg.SessionKey)
	}
	if msg.Metadata[MetaKind] != bus.EventHeartbeat {
		t.Errorf("metadata kind = %q", msg.Metadata[MetaKind])
	}

	// Cron firings with a job ref land on the job's own session.
	b.PublishSystemEvent(bus.SystemEvent{
		Kind:    bus.EventCron,
		AgentID: "ops",
		Ref:     "job-7",
		Payload: "run the standup reminder",
	})
	msg = consumeOne(t, b)
	if msg.SessionKey != "agent:ops:cron:job-7" {
		t.Errorf("cron session key = %q", msg.SessionKey)
	}
	if msg.Metadata[MetaRef] != "job-7" || msg.Metadata[MetaKind] != bus.EventCron {
		t.Errorf("cron metadata = %v", msg.Metadata)
	}
	if msg.ChatID != "" {
		t.Errorf("originless chat id = %q", msg.ChatID)
	}
}

func TestInjectorDropsEmptyPayload(t *testing.T) {
	b := bus.New()
	defer b.Close()
	inj := NewInjector(b, "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inj.Start(ctx)
	defer inj.Stop(context.Background())

	b.PublishSystemEvent(bus.SystemEvent{Kind: bus.EventNotice})
	b.PublishSystemEvent(bus.SystemEvent{Kind: bus.EventNotice, Payload: "gateway restarted"})

	msg := consumeOne(t, b)
	if msg.Content != "gateway restarted" {
		t.Errorf("first delivered content = %q", msg.Content)
	}
}

func TestInjectorStopsOnBusClose(t *testing.T) {
	b := bus.New()
	inj := NewInjector(b, "default")

	inj.Start(context.Background())
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inj.Stop(ctx); err != nil {
		t.Fatalf("Stop after bus close: %v", err)
	}
}
