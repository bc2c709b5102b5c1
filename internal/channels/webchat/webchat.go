// Package webchat bridges browser chat clients connected to the gateway
// WebSocket endpoint onto the message bus. The gateway owns the sockets and
// attaches each client here after auth; outbound replies are pushed back
// through the attached client.
package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// Client is one connected webchat session able to receive pushed messages.
// The gateway's connection wrapper implements this.
type Client interface {
	Deliver(msg bus.OutboundMessage) error
}

// Channel implements the webchat channel. Unlike the other adapters it does
// not own a network connection: the gateway registers clients via Attach and
// forwards their chat frames via HandleClientMessage.
type Channel struct {
	*channels.BaseChannel
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]Client
}

// New creates the webchat channel.
func New(cfg config.WebchatConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webchat", msgBus, cfg.AllowFrom, cfg.DMPolicy, channels.PolicyDisabled),
		log:         slog.Default().With("component", "channel.webchat"),
		clients:     make(map[string]Client),
	}
}

// Start marks the channel ready. The gateway server accepts the actual
// connections.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	c.log.Info("webchat channel ready")
	return nil
}

// Stop detaches all clients and marks the channel stopped.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	c.clients = make(map[string]Client)
	c.mu.Unlock()
	return nil
}

// Attach registers a connected client under its ID, replacing any previous
// connection with the same ID.
func (c *Channel) Attach(id string, client Client) {
	c.mu.Lock()
	c.clients[id] = client
	n := len(c.clients)
	c.mu.Unlock()
	c.log.Debug("webchat client attached", "client_id", id, "clients", n)
}

// Detach removes a client. Safe to call for unknown IDs.
func (c *Channel) Detach(id string) {
	c.mu.Lock()
	delete(c.clients, id)
	n := len(c.clients)
	c.mu.Unlock()
	c.log.Debug("webchat client detached", "client_id", id, "clients", n)
}

// ClientCount returns the number of attached clients.
func (c *Channel) ClientCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// HandleClientMessage forwards a chat frame from an attached client to the
// bus. The client ID doubles as sender and chat ID so replies route back to
// the same connection.
func (c *Channel) HandleClientMessage(clientID, content string, media []string, metadata map[string]string) {
	if !c.IsRunning() {
		return
	}
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return
	}
	if !c.IsAllowed(clientID, clientID, sessions.PeerDirect) {
		c.log.Debug("webchat message rejected by policy", "client_id", clientID)
		return
	}

	c.log.Debug("webchat message received",
		"client_id", clientID,
		"content", channels.Truncate(content, 50))

	c.HandleMessage(clientID, clientID, content, media, metadata, sessions.PeerDirect)
}

// Send pushes an outbound message to the client identified by msg.ChatID.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("webchat channel not running")
	}

	c.mu.RLock()
	client, ok := c.clients[msg.ChatID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat client %s not connected", msg.ChatID)
	}

	if err := client.Deliver(msg); err != nil {
		return fmt.Errorf("deliver to webchat client %s: %w", msg.ChatID, err)
	}
	return nil
}
