package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultInboundCap  = 256
	defaultOutboundCap = 256
	defaultSystemCap   = 64

	// publishWarnAfter is how long PublishInbound may block before logging.
	publishWarnAfter = 5 * time.Second
)

// MessageBus is the in-process message broker connecting channel adapters,
// the agent runtime and system services. Inbound messages flow through a
// single queue drained by the gateway consumer; outbound messages fan out
// to per-channel queues; system events have a single consumer (the
// injector). Safe for concurrent use.
type MessageBus struct {
	inbound chan InboundMessage
	system  chan SystemEvent

	mu       sync.RWMutex
	outbound map[string]chan OutboundMessage

	seq atomic.Int64

	// closeMu serialises channel sends against Close so a late publisher
	// drops its message instead of panicking on a closed channel.
	closeMu sync.RWMutex
	closed  atomic.Bool

	runMu  sync.Mutex
	runSeq map[string]int64

	subMu       sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates a MessageBus with default queue capacities.
func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultInboundCap),
		system:      make(chan SystemEvent, defaultSystemCap),
		outbound:    make(map[string]chan OutboundMessage),
		runSeq:      make(map[string]int64),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the consumer, assigning its sequence
// number. Blocks when the queue is full (adapters run in their own
// goroutines); logs a warning if blocked unusually long. Messages published
// after Close are dropped.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if b.closed.Load() {
		slog.Warn("bus closed, dropping inbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	msg.Seq = b.seq.Add(1)

	// The lock is released between attempts so Close never waits behind a
	// publisher stuck on a full queue.
	warn := time.NewTimer(publishWarnAfter)
	defer warn.Stop()
	retry := time.NewTicker(10 * time.Millisecond)
	defer retry.Stop()
	for {
		b.closeMu.RLock()
		if b.closed.Load() {
			b.closeMu.RUnlock()
			slog.Warn("bus closed, dropping inbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
			return
		}
		select {
		case b.inbound <- msg:
			b.closeMu.RUnlock()
			return
		default:
			b.closeMu.RUnlock()
		}

		select {
		case <-warn.C:
			slog.Warn("inbound queue full, publisher blocked",
				"channel", msg.Channel, "chat_id", msg.ChatID, "cap", cap(b.inbound))
		case <-retry.C:
		}
	}
}

// ConsumeInbound blocks until a message is available. Returns false when the
// context is done or the bus has been closed and drained.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-b.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound routes a message to the queue of its target channel.
// Messages for channels nobody subscribed to are dropped with a warning.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	q, ok := b.outbound[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		slog.Warn("no subscriber for outbound channel, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	if b.closed.Load() {
		return
	}
	q <- msg
}

// SubscribeOutbound returns the outbound queue for a channel, creating it on
// first use. Subscribing twice for the same channel returns the same queue.
func (b *MessageBus) SubscribeOutbound(channel string) <-chan OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.outbound[channel]
	if !ok {
		q = make(chan OutboundMessage, defaultOutboundCap)
		b.outbound[channel] = q
	}
	return q
}

// PublishSystemEvent enqueues a system event for the injector. Never blocks;
// if the system queue is full the oldest event is discarded first (heartbeats
// are periodic, losing a stale one is preferable to stalling a service).
func (b *MessageBus) PublishSystemEvent(ev SystemEvent) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return
	}
	if ev.AtMs == 0 {
		ev.AtMs = time.Now().UnixMilli()
	}
	for {
		select {
		case b.system <- ev:
			return
		default:
			select {
			case old := <-b.system:
				slog.Warn("system event queue full, discarding oldest", "kind", old.Kind)
			default:
			}
		}
	}
}

// SystemEvents exposes the system event queue. Single consumer.
func (b *MessageBus) SystemEvents() <-chan SystemEvent {
	return b.system
}

// Subscribe registers a broadcast event handler under an ID.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a broadcast event handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to all subscribers synchronously. Handlers
// must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, h := range b.subscribers {
		h(event)
	}
}

// Close shuts the bus down. Idempotent. The inbound and system queues are
// closed so consumers drain and stop; outbound queues are left open (their
// dispatchers exit via context cancellation) to avoid racing late senders.
// Publishers racing Close see the closed flag under closeMu and drop.
func (b *MessageBus) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.inbound)
	close(b.system)
}

// Seq returns the last assigned inbound sequence number.
func (b *MessageBus) Seq() int64 {
	return b.seq.Load()
}

// NextSeq returns the next sequence number for a run. Numbers start at 1
// and are strictly increasing per run id across every event stream that
// draws from the same counter.
func (b *MessageBus) NextSeq(runID string) int64 {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.runSeq[runID]++
	return b.runSeq[runID]
}

// EndRun drops a run's counter once no more events will be emitted for it.
func (b *MessageBus) EndRun(runID string) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	delete(b.runSeq, runID)
}
