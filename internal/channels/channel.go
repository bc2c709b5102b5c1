// Package channels provides the channel abstraction layer for multi-platform
// messaging. Channels connect external platforms (Telegram, Discord, the
// WhatsApp bridge, webchat) to the agent runtime via the message bus.
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Access policies for DMs and groups.
const (
	PolicyOpen      = "open"      // accept all senders
	PolicyAllowlist = "allowlist" // only allowlisted senders or chats
	PolicyDisabled  = "disabled"  // reject everything
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed evaluates the channel's access policy for a sender.
	// peerKind selects the DM or group policy (sessions.PeerDirect/PeerGroup).
	IsAllowed(senderID, chatID string, peerKind sessions.PeerKind) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name        string
	bus         *bus.MessageBus
	agentID     string
	dmPolicy    string
	groupPolicy string
	allowList   []string

	mu      sync.Mutex
	running bool
}

// NewBaseChannel creates a new BaseChannel. Empty policies default to open.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string, dmPolicy, groupPolicy string) *BaseChannel {
	return &BaseChannel{
		name:        name,
		bus:         msgBus,
		allowList:   allowList,
		dmPolicy:    dmPolicy,
		groupPolicy: groupPolicy,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AgentID returns the explicit agent ID for this channel (empty = route by config).
func (c *BaseChannel) AgentID() string { return c.agentID }

// SetAgentID pins the channel's traffic to one agent.
func (c *BaseChannel) SetAgentID(id string) { c.agentID = id }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed evaluates the DM or group policy for a sender.
//
// Policies: "open" (and empty/unknown) accepts everyone, "disabled" rejects
// everything, "allowlist" accepts when either the sender or the chat matches
// an allowlist entry. Matching a group's chat ID admits the whole group.
func (c *BaseChannel) IsAllowed(senderID, chatID string, peerKind sessions.PeerKind) bool {
	policy := c.dmPolicy
	if peerKind == sessions.PeerGroup {
		policy = c.groupPolicy
	}

	switch policy {
	case PolicyDisabled:
		return false
	case PolicyAllowlist:
		if c.matchAllowList(senderID) {
			return true
		}
		return chatID != "" && chatID != senderID && c.matchAllowList(chatID)
	default: // "open"
		return true
	}
}

// matchAllowList checks a single identifier against the allowlist.
// Supports compound form "123456|username" on either side: a bare ID, a bare
// username (with or without "@"), or the full compound all match.
func (c *BaseChannel) matchAllowList(id string) bool {
	if id == "" {
		return false
	}

	idPart := id
	userPart := ""
	if idx := strings.IndexByte(id, '|'); idx > 0 {
		idPart = id[:idx]
		userPart = id[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.IndexByte(trimmed, '|'); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if id == allowed ||
			id == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && id == allowedUser) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// HandleMessage runs the access policy and publishes an InboundMessage to the
// bus. This is the standard path for channels to forward received messages.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string, peerKind sessions.PeerKind) {
	if !c.IsAllowed(senderID, chatID, peerKind) {
		return
	}

	// Derive userID from senderID: strip the "|username" suffix if present.
	// For most channels senderID is already the platform user ID.
	userID := senderID
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		userID = senderID[:idx]
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		PeerKind: string(peerKind),
		UserID:   userID,
		Metadata: metadata,
		AgentID:  c.agentID,
	})
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
