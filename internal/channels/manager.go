package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

// Manager owns the registered channel adapters: it starts and stops them and
// runs one dispatcher goroutine per channel that drains the channel's
// outbound queue, chunks content to the platform limit, and sends.
type Manager struct {
	bus *bus.MessageBus
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a channel manager. Channels are registered before
// StartAll via Register.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
		log:      slog.Default().With("component", "channels"),
	}
}

// Register adds a channel adapter. Must be called before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// GetChannel returns a registered channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// ActiveChannels returns the sorted names of registered channels.
func (m *Manager) ActiveChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports the running state of every registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// StartAll subscribes every registered channel to its outbound queue and
// starts the adapters concurrently. A failing adapter does not stop the
// others; the first error is returned so the caller can surface it.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("channel manager already started")
	}
	m.started = true

	dispatchCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.Unlock()

	if len(chans) == 0 {
		m.log.Warn("no channels enabled")
		return nil
	}

	for name, ch := range chans {
		queue := m.bus.SubscribeOutbound(name)
		m.wg.Add(1)
		go m.dispatchLoop(dispatchCtx, ch, queue)
	}

	var g errgroup.Group
	for name, ch := range chans {
		name, ch := name, ch
		g.Go(func() error {
			m.log.Info("starting channel", "channel", name)
			if err := ch.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops the adapters and dispatcher goroutines. Waits for the
// dispatchers to drain until ctx expires.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil

	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.Unlock()

	for name, ch := range chans {
		m.log.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			m.log.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("channel manager shutdown: %w", ctx.Err())
	}
	return nil
}

// SendToChannel delivers a message directly to a named channel, bypassing the
// outbound queue. Used by the send_message tool for cross-channel sends.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	ch, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %s not found", channelName)
	}

	for _, chunk := range ChunkMessage(content, ChunkLimit(channelName)) {
		if err := ch.Send(ctx, bus.OutboundMessage{
			Channel: channelName,
			ChatID:  chatID,
			Content: chunk,
		}); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLoop drains one channel's outbound queue until the context is done.
func (m *Manager) dispatchLoop(ctx context.Context, ch Channel, queue <-chan bus.OutboundMessage) {
	defer m.wg.Done()

	log := m.log.With("channel", ch.Name())
	log.Debug("outbound dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("outbound dispatcher stopped")
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			m.deliver(ctx, ch, msg)
		}
	}
}

// deliver chunks a message to the channel's platform limit and sends the
// pieces in order. Media rides on the first chunk. Temporary media files are
// removed afterward regardless of outcome.
func (m *Manager) deliver(ctx context.Context, ch Channel, msg bus.OutboundMessage) {
	defer m.cleanupMedia(msg.Media)

	chunks := ChunkMessage(msg.Content, ChunkLimit(ch.Name()))
	if len(chunks) == 0 {
		if len(msg.Media) == 0 {
			return
		}
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		out := msg
		out.Content = chunk
		if i > 0 {
			// Follow-up chunks are continuation text only: no media and no
			// per-message metadata such as reply references.
			out.Media = nil
			out.Metadata = nil
		}
		if err := ch.Send(ctx, out); err != nil {
			m.log.Error("error sending message to channel",
				"channel", ch.Name(),
				"chat_id", msg.ChatID,
				"chunk", i+1,
				"chunks", len(chunks),
				"error", err,
			)
			return
		}
	}
}

// cleanupMedia removes temporary media files created by tools for the send.
// Remote URLs are left alone.
func (m *Manager) cleanupMedia(media []bus.MediaAttachment) {
	for _, att := range media {
		if att.URL == "" || strings.Contains(att.URL, "://") {
			continue
		}
		if err := os.Remove(att.URL); err != nil && !os.IsNotExist(err) {
			m.log.Debug("failed to clean up media file", "path", att.URL, "error", err)
		}
	}
}
