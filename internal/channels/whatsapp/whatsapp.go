// Package whatsapp connects to a local WhatsApp bridge process over
// WebSocket. The bridge speaks the actual WhatsApp protocol; this channel
// exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

const (
	dialTimeout         = 10 * time.Second
	maxReconnectBackoff = 30 * time.Second

	// bridgeReadLimit raises the frame size cap; bridge messages can carry
	// long message bodies and media path lists.
	bridgeReadLimit = 1 << 20
)

// bridgeFrame is the JSON frame exchanged with the bridge.
// Inbound: {"type":"message","id":...,"from":...,"from_name":...,"chat":...,
// "content":...,"media":[...]}. Outbound: {"type":"message","to":...,
// "content":...}. The bridge also reports its own state with
// {"type":"status","status":...}.
type bridgeFrame struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	To       string   `json:"to,omitempty"`
	Content  string   `json:"content,omitempty"`
	Media    []string `json:"media,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// Channel bridges WhatsApp traffic onto the message bus via the local bridge.
type Channel struct {
	*channels.BaseChannel
	cfg config.WhatsAppConfig
	log *slog.Logger

	mu   sync.Mutex // guards conn pointer and writes
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a WhatsApp channel from config. The bridge token comes from
// the environment (OMNICLAW_WHATSAPP_BRIDGE_TOKEN).
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom, cfg.DMPolicy, cfg.GroupPolicy),
		cfg:         cfg,
		log:         slog.Default().With("component", "whatsapp"),
	}, nil
}

// Start connects to the bridge and begins the listen loop. A down bridge is
// not fatal; the loop keeps reconnecting with backoff.
func (c *Channel) Start(_ context.Context) error {
	c.log.Info("starting whatsapp channel", "bridge_url", c.cfg.BridgeURL)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(runCtx); err != nil {
		c.log.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(runCtx)

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and waits for the listen loop to exit.
func (c *Channel) Stop(ctx context.Context) error {
	c.log.Info("stopping whatsapp channel")
	c.SetRunning(false)

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
	c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("whatsapp shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// Send writes an outbound message frame to the bridge.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	frame := bridgeFrame{Type: "message", To: msg.ChatID, Content: msg.Content}
	for _, att := range msg.Media {
		frame.Media = append(frame.Media, att.URL)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// connect dials the bridge WebSocket, authenticating with the bridge token
// when one is configured.
func (c *Channel) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.BridgeToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.BridgeToken}}
	}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.BridgeURL, opts)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}
	conn.SetReadLimit(bridgeReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// dropConn tears down the current connection so the listen loop reconnects.
func (c *Channel) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.CloseNow()
		c.conn = nil
	}
	c.mu.Unlock()
}

// listenLoop reads frames from the bridge, reconnecting with exponential
// backoff (1s doubling to 30s) whenever the connection drops.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			c.log.Info("reconnecting to whatsapp bridge", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(ctx); err != nil {
				c.log.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("whatsapp bridge read error, will reconnect", "error", err)
			c.dropConn()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}

		switch frame.Type {
		case "message":
			c.handleFrame(frame)
		case "status":
			c.log.Info("whatsapp bridge status", "status", frame.Status)
		default:
			c.log.Debug("whatsapp bridge frame skipped", "type", frame.Type)
		}
	}
}

// handleFrame publishes one inbound bridge message to the bus.
func (c *Channel) handleFrame(frame bridgeFrame) {
	senderID := frame.From
	if senderID == "" {
		return
	}
	chatID := frame.Chat
	if chatID == "" {
		chatID = senderID
	}

	// Group chats carry the "@g.us" JID suffix.
	peerKind := sessions.PeerKindFromGroup(strings.HasSuffix(chatID, "@g.us"))

	if !c.IsAllowed(senderID, chatID, peerKind) {
		c.log.Debug("whatsapp message rejected by policy",
			"sender_id", senderID, "chat_id", chatID, "peer_kind", peerKind)
		return
	}

	content := frame.Content
	if content == "" {
		content = "[empty message]"
	}

	metadata := make(map[string]string)
	if frame.ID != "" {
		metadata["message_id"] = frame.ID
	}
	if frame.FromName != "" {
		metadata["user_name"] = frame.FromName
	}

	c.log.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(senderID, chatID, content, frame.Media, metadata, peerKind)
}
