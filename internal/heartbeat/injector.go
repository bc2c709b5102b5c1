package heartbeat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// Metadata keys stamped onto injected messages. The consumer uses them to
// pick the delivery policy (heartbeat ack filtering, cron run naming).
const (
	MetaKind = "kind"
	MetaRef  = "ref"
)

// EventSource is the bus surface the injector needs: system events in,
// synthetic inbound messages out.
type EventSource interface {
	SystemEvents() <-chan bus.SystemEvent
	PublishInbound(msg bus.InboundMessage)
}

// Injector drains the system event queue and republishes every event as a
// synthetic inbound message on the "system" channel, so heartbeats, cron
// firings, and notices flow through the same consumer pipeline as user
// messages.
type Injector struct {
	src            EventSource
	defaultAgentID string
	log            *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewInjector creates the system-event injector. Events without an agent id
// are attributed to defaultAgentID.
func NewInjector(src EventSource, defaultAgentID string) *Injector {
	return &Injector{
		src:            src,
		defaultAgentID: defaultAgentID,
		log:            slog.Default().With("component", "injector"),
	}
}

// Start consumes system events until the context is cancelled or the bus
// closes its queue.
func (i *Injector) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	i.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.mu.Unlock()

	events := i.src.SystemEvents()
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				i.Inject(ev)
			}
		}
	}()
	return nil
}

// Stop halts the drain loop and waits for it to exit.
func (i *Injector) Stop(ctx context.Context) error {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inject converts one system event into a synthetic inbound message and
// publishes it. The chat id encodes the origin ("telegram:123") so replies
// route back; an empty origin leaves routing to the session's last known
// route. Cron events with a job ref land on the job's own session,
// everything else on the agent's main session.
func (i *Injector) Inject(ev bus.SystemEvent) {
	if ev.Payload == "" {
		i.log.Debug("dropping empty system event", "kind", ev.Kind)
		return
	}
	agentID := ev.AgentID
	if agentID == "" {
		agentID = i.defaultAgentID
	}

	sessionKey := sessions.MainSessionKey(agentID)
	if ev.Kind == bus.EventCron && ev.Ref != "" {
		sessionKey = sessions.BuildCronSessionKey(agentID, ev.Ref)
	}

	chatID := ""
	if ev.OriginChannel != "" || ev.OriginChatID != "" {
		chatID = ev.OriginChannel + ":" + ev.OriginChatID
	}

	meta := map[string]string{MetaKind: ev.Kind}
	if ev.Ref != "" {
		meta[MetaRef] = ev.Ref
	}

	i.src.PublishInbound(bus.InboundMessage{
		Channel:    "system",
		SenderID:   "system",
		ChatID:     chatID,
		Content:    ev.Payload,
		AgentID:    agentID,
		SessionKey: sessionKey,
		Metadata:   meta,
	})
	i.log.Debug("system event injected", "kind", ev.Kind, "agent", agentID, "session", sessionKey)
}
