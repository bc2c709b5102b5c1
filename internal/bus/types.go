package bus

import "context"

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.)
// or injected by the system (heartbeat, cron).
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	SessionKey   string            `json:"session_key,omitempty"` // explicit key override (background:/isolated: runs)
	PeerKind     string            `json:"peer_kind,omitempty"`   // "direct" or "group" (used for session key)
	AgentID      string            `json:"agent_id,omitempty"`    // target agent (for multi-agent routing)
	UserID       string            `json:"user_id,omitempty"`     // external user ID for per-user scoping
	Seq          int64             `json:"seq,omitempty"`         // assigned by the bus at publish, monotonic per process
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	Caption     string `json:"caption,omitempty"`
}

// System event kinds.
const (
	EventHeartbeat = "heartbeat"
	EventCron      = "cron"
	EventNotice    = "notice"
)

// SystemEvent is an internally generated occurrence (heartbeat tick, cron
// firing, recovery notice) that should reach the agent as a synthetic
// inbound message. Origin names the channel/chat the eventual reply should
// route back to; either may be empty, in which case the session's last
// known route is used.
type SystemEvent struct {
	Kind          string `json:"kind"`
	OriginChannel string `json:"origin_channel,omitempty"`
	OriginChatID  string `json:"origin_chat_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	Ref           string `json:"ref,omitempty"` // originating object, e.g. the cron job id
	Payload       string `json:"payload"`
	AtMs          int64  `json:"at_ms"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "agent", "chat", "health")
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and agents to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(channel string) <-chan OutboundMessage
}

// SystemPublisher is the injection side of system events.
type SystemPublisher interface {
	PublishSystemEvent(ev SystemEvent)
}
