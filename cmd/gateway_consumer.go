package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/omniclaw/internal/agent"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/commands"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/directives"
	"github.com/nextlevelbuilder/omniclaw/internal/heartbeat"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// runnerSet holds one Runner per agent and doubles as the RunControl the
// slash commands use for /stop and /status.
type runnerSet struct {
	byAgent map[string]*agent.Runner
}

func (s *runnerSet) get(agentID string) (*agent.Runner, bool) {
	r, ok := s.byAgent[agentID]
	return r, ok
}

func (s *runnerSet) agentIDs() []string {
	ids := make([]string, 0, len(s.byAgent))
	for id := range s.byAgent {
		ids = append(ids, id)
	}
	return ids
}

// Stop aborts the session's run on whichever runner owns it.
func (s *runnerSet) Stop(sessionKey string) bool {
	for _, r := range s.byAgent {
		if r.Stop(sessionKey) {
			return true
		}
	}
	return false
}

func (s *runnerSet) ActiveSessions() int {
	n := 0
	for _, r := range s.byAgent {
		n += r.ActiveSessions()
	}
	return n
}

func (s *runnerSet) wait() {
	for _, r := range s.byAgent {
		r.Wait()
	}
}

// consumer drains the inbound queue and turns each message into either a
// command reply or an agent run. It owns routing, session keys, slash
// commands, and per-turn directives; the agent loop starts where those end.
type consumer struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	commands *commands.Registry
	sessions store.SessionStore
	runners  *runnerSet
	log      *slog.Logger
}

func newConsumer(cfg *config.Config, msgBus *bus.MessageBus, reg *commands.Registry, sess store.SessionStore, runners *runnerSet) *consumer {
	return &consumer{
		cfg:      cfg,
		bus:      msgBus,
		commands: reg,
		sessions: sess,
		runners:  runners,
		log:      slog.Default().With("component", "consumer"),
	}
}

func (c *consumer) run(ctx context.Context) {
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		c.handle(ctx, msg)
	}
}

// handle processes one inbound message. Runner.Dispatch is non-blocking, so
// a slow agent run never stalls the queue.
func (c *consumer) handle(ctx context.Context, msg bus.InboundMessage) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = c.cfg.ResolveDefaultAgentID()
	}
	runner, ok := c.runners.get(agentID)
	if !ok {
		c.log.Warn("message for unknown agent dropped", "agent", agentID, "channel", msg.Channel)
		return
	}

	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}
	sessionKey := msg.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID)
	}

	if msg.Channel == "system" {
		c.handleSystem(ctx, msg, agentID, sessionKey, runner)
		return
	}

	// Slash commands short-circuit the agent. Unknown slash tokens fall
	// through: they may be inline directives or just text.
	if strings.HasPrefix(strings.TrimSpace(msg.Content), "/") {
		res, handled := c.commands.Dispatch(ctx, commands.Invocation{
			Message:    msg.Content,
			SessionKey: sessionKey,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			PeerKind:   peerKind,
		})
		if handled {
			if res.Text != "" {
				c.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: res.Text})
			}
			return
		}
	}

	// An all-directive message keeps its original body, so text == content
	// means the turn carried nothing beyond the directives themselves.
	d, text := directives.Parse(msg.Content)
	if d.Model != "" {
		c.persistModel(sessionKey, d.Model, msg.Channel, msg.ChatID, text == msg.Content)
	}
	if text == "" && len(msg.Media) == 0 {
		return
	}

	req := agent.RunRequest{
		SessionKey:   sessionKey,
		Message:      text,
		Media:        msg.Media,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		PeerKind:     peerKind,
		UserID:       msg.UserID,
		SenderID:     msg.SenderID,
		Directives:   d,
		HistoryLimit: msg.HistoryLimit,
	}
	runner.Dispatch(ctx, req, c.deliver(msg.Channel, msg.ChatID, nil))
}

// handleSystem runs heartbeat, cron, and notice messages. The chat id
// encodes the delivery origin ("telegram:123"); when absent the agent's most
// recently used route stands in, except for heartbeats targeted "none",
// which run without delivering anywhere.
func (c *consumer) handleSystem(ctx context.Context, msg bus.InboundMessage, agentID, sessionKey string, runner *agent.Runner) {
	kind := msg.Metadata[heartbeat.MetaKind]

	channel, chatID, ok := parseOrigin(msg.ChatID)
	if !ok {
		if kind == bus.EventHeartbeat && c.heartbeatTarget(agentID) == "none" {
			channel, chatID = "", ""
		} else {
			channel, chatID = c.sessions.LastUsedRoute(agentID)
		}
	}

	var filter deliverFilter
	if kind == bus.EventHeartbeat {
		ackLimit := c.cfg.ResolveAgent(agentID).Heartbeat.AckLimit()
		filter = func(content string) (string, bool) {
			return heartbeat.StripAck(content, ackLimit)
		}
	}

	req := agent.RunRequest{
		SessionKey: sessionKey,
		Message:    msg.Content,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		PeerKind:   string(sessions.PeerDirect),
		SenderID:   msg.SenderID,
	}
	runner.Dispatch(ctx, req, c.deliver(channel, chatID, filter))
}

// deliverFilter post-processes a reply before delivery; drop=true suppresses
// it entirely (heartbeat acks).
type deliverFilter func(content string) (out string, drop bool)

// deliver builds the runner callback that routes the final reply back to
// the originating channel. Cancellation is silent; other paths log.
func (c *consumer) deliver(channel, chatID string, filter deliverFilter) agent.DeliverFunc {
	return func(req agent.RunRequest, result *agent.RunResult, err error) {
		if err != nil {
			c.log.Info("run cancelled", "session", req.SessionKey, "error", err)
			return
		}
		if result == nil || result.Content == "" {
			return
		}
		content := result.Content
		if filter != nil {
			var drop bool
			if content, drop = filter(content); drop || content == "" {
				return
			}
		}
		if channel == "" || chatID == "" {
			c.log.Debug("reply without route suppressed", "session", req.SessionKey)
			return
		}
		c.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
	}
}

// persistModel records a /model directive on the session so it outlives the
// turn; "default" clears it. A bare directive gets an acknowledgement.
func (c *consumer) persistModel(sessionKey, model, channel, chatID string, bare bool) {
	var ack string
	if model == "default" {
		c.sessions.UpdateMetadata(sessionKey, "model", "")
		ack = "Model override cleared."
	} else {
		c.sessions.UpdateMetadata(sessionKey, "model", model)
		ack = fmt.Sprintf("Model set to %s for this session.", model)
	}
	if bare && channel != "" {
		c.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: ack})
	}
}

func (c *consumer) heartbeatTarget(agentID string) string {
	hb := c.cfg.ResolveAgent(agentID).Heartbeat
	if hb == nil {
		return ""
	}
	return hb.Target
}

// parseOrigin splits a "channel:chat_id" pair; either half may not be empty.
func parseOrigin(s string) (channel, chatID string, ok bool) {
	ch, chat, found := strings.Cut(s, ":")
	if !found || ch == "" || chat == "" {
		return "", "", false
	}
	return ch, chat, true
}
