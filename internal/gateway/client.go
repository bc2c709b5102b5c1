package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/webchat"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out at pingPeriod to keep it fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize bounds per-client outbound buffering; a slow reader
	// starts dropping frames instead of blocking the broadcaster.
	sendQueueSize = 64

	// maxFrameBytes caps a single inbound frame.
	maxFrameBytes = 1 << 20
)

// Client is one connected WebSocket session.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    *slog.Logger

	send chan []byte
	once sync.Once
	done chan struct{}
}

var _ webchat.Client = (*Client)(nil)

func newClient(conn *websocket.Conn, s *Server) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		server: s,
		log:    slog.Default().With("component", "gateway.client", "client_id", id),
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection identifier. It doubles as the webchat chat ID so
// agent replies route back to this connection.
func (c *Client) ID() string { return c.id }

// Run services the connection until it drops. Blocks.
func (c *Client) Run() {
	go c.writeLoop()
	c.readLoop()
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.push(protocol.NewErrorFrame("", "invalid frame: %v", err))
			continue
		}

		c.server.handleFrame(c, frame)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Deliver implements webchat.Client: agent replies dispatched by the channel
// manager land here and go out as message frames.
func (c *Client) Deliver(msg bus.OutboundMessage) error {
	var media []protocol.MediaRef
	for _, att := range msg.Media {
		media = append(media, protocol.MediaRef{
			URL:         att.URL,
			ContentType: att.ContentType,
			Caption:     att.Caption,
		})
	}
	return c.push(protocol.NewMessageFrame(msg.Content, media))
}

// SendEvent pushes a broadcast event frame. Drops on a full queue are logged,
// not fatal: events are advisory.
func (c *Client) SendEvent(name string, payload interface{}) {
	if err := c.push(protocol.NewEventFrame(name, payload)); err != nil {
		c.log.Debug("event dropped", "event", name, "error", err)
	}
}

// push marshals and enqueues a frame without blocking.
func (c *Client) push(frame protocol.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("client %s disconnected", c.id)
	default:
		return fmt.Errorf("client %s send queue full", c.id)
	}
}
