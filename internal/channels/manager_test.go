package channels

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

type fakeChannel struct {
	name     string
	startErr error
	sendErr  error

	mu      sync.Mutex
	sent    []bus.OutboundMessage
	started int
	stopped int
	running bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.running = false
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChannel) IsAllowed(senderID, chatID string, peerKind sessions.PeerKind) bool {
	return true
}

func (f *fakeChannel) sentMessages() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerStartStop(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	alpha := &fakeChannel{name: "alpha"}
	beta := &fakeChannel{name: "beta"}
	m.Register(alpha)
	m.Register(beta)

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	if err := m.StartAll(ctx); err == nil {
		t.Error("second StartAll() should fail")
	}
	if alpha.started != 1 || beta.started != 1 {
		t.Errorf("started counts = %d, %d, want 1, 1", alpha.started, beta.started)
	}

	status := m.Status()
	if !status["alpha"] || !status["beta"] {
		t.Errorf("Status() = %v, want both running", status)
	}
	if got := m.ActiveChannels(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("ActiveChannels() = %v", got)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if alpha.stopped != 1 || beta.stopped != 1 {
		t.Errorf("stopped counts = %d, %d, want 1, 1", alpha.stopped, beta.stopped)
	}
	// Stopping again is a no-op.
	if err := m.StopAll(ctx); err != nil {
		t.Errorf("repeated StopAll() error = %v", err)
	}
}

func TestManagerStartErrorDoesNotBlockOthers(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	bad := &fakeChannel{name: "bad", startErr: errors.New("no token")}
	good := &fakeChannel{name: "good"}
	m.Register(bad)
	m.Register(good)

	err := m.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("StartAll() error = %v, want error naming the failed channel", err)
	}
	if good.started != 1 || !good.IsRunning() {
		t.Error("healthy channel should still start")
	}
	_ = m.StopAll(context.Background())
}

func TestManagerDispatchesOutbound(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	alpha := &fakeChannel{name: "alpha"}
	beta := &fakeChannel{name: "beta"}
	m.Register(alpha)
	m.Register(beta)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "alpha", ChatID: "1", Content: "for alpha"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "beta", ChatID: "2", Content: "for beta"})

	waitFor(t, "both sends", func() bool {
		return len(alpha.sentMessages()) == 1 && len(beta.sentMessages()) == 1
	})

	if got := alpha.sentMessages()[0]; got.Content != "for alpha" || got.ChatID != "1" {
		t.Errorf("alpha received %+v", got)
	}
	if got := beta.sentMessages()[0]; got.Content != "for beta" || got.ChatID != "2" {
		t.Errorf("beta received %+v", got)
	}
}

func TestManagerChunksLongOutbound(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	discord := &fakeChannel{name: "discord"}
	m.Register(discord)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer m.StopAll(context.Background())

	content := strings.Repeat("a", 4500)
	b.PublishOutbound(bus.OutboundMessage{
		Channel:  "discord",
		ChatID:   "7",
		Content:  content,
		Media:    []bus.MediaAttachment{{URL: "https://example.com/pic.png"}},
		Metadata: map[string]string{"message_id": "42"},
	})

	waitFor(t, "3 chunks", func() bool { return len(discord.sentMessages()) == 3 })

	sent := discord.sentMessages()
	var joined strings.Builder
	for i, msg := range sent {
		if w := messageWidth(msg.Content); w > 2000 {
			t.Errorf("chunk %d width %d exceeds discord limit", i, w)
		}
		joined.WriteString(msg.Content)
	}
	if joined.String() != content {
		t.Error("chunks do not reassemble the original content")
	}
	if len(sent[0].Media) != 1 {
		t.Error("media should ride on the first chunk")
	}
	if len(sent[1].Media) != 0 || len(sent[2].Media) != 0 {
		t.Error("media should not repeat on later chunks")
	}
	if sent[0].Metadata["message_id"] != "42" {
		t.Error("first chunk should keep message metadata")
	}
	if sent[1].Metadata != nil || sent[2].Metadata != nil {
		t.Error("follow-up chunks should not carry metadata")
	}
}

func TestManagerSkipsEmptyOutbound(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	alpha := &fakeChannel{name: "alpha"}
	m.Register(alpha)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "alpha", ChatID: "1", Content: ""})
	b.PublishOutbound(bus.OutboundMessage{Channel: "alpha", ChatID: "1", Content: "real"})

	waitFor(t, "the real message", func() bool { return len(alpha.sentMessages()) == 1 })
	if got := alpha.sentMessages()[0].Content; got != "real" {
		t.Errorf("sent content = %q, want %q", got, "real")
	}
}

func TestManagerCleansUpMediaFiles(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	alpha := &fakeChannel{name: "alpha"}
	m.Register(alpha)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer m.StopAll(context.Background())

	tmp := filepath.Join(t.TempDir(), "generated.png")
	if err := os.WriteFile(tmp, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	b.PublishOutbound(bus.OutboundMessage{
		Channel: "alpha",
		ChatID:  "1",
		Content: "here you go",
		Media:   []bus.MediaAttachment{{URL: tmp, ContentType: "image/png"}},
	})

	waitFor(t, "media cleanup", func() bool {
		_, err := os.Stat(tmp)
		return os.IsNotExist(err)
	})
	if len(alpha.sentMessages()) != 1 {
		t.Errorf("sent %d messages, want 1", len(alpha.sentMessages()))
	}
}

func TestSendToChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	alpha := &fakeChannel{name: "alpha"}
	m.Register(alpha)

	if err := m.SendToChannel(context.Background(), "alpha", "42", "direct hello"); err != nil {
		t.Fatalf("SendToChannel() error = %v", err)
	}
	sent := alpha.sentMessages()
	if len(sent) != 1 || sent[0].Content != "direct hello" || sent[0].ChatID != "42" {
		t.Errorf("sent = %+v", sent)
	}

	if err := m.SendToChannel(context.Background(), "missing", "1", "x"); err == nil {
		t.Error("unknown channel should error")
	}
}
