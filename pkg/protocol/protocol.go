// Package protocol defines the typed frames exchanged over the gateway
// WebSocket endpoint. Both the webchat page and the `omniclaw agent chat`
// terminal client speak this protocol.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped when frame semantics change incompatibly.
const ProtocolVersion = 1

// Client-to-server frame types.
const (
	TypeChat    = "chat"    // payload: ChatPayload
	TypePing    = "ping"    // no payload, answered with a pong frame
	TypeApprove = "approve" // payload: ApprovalPayload
	TypeDeny    = "deny"    // payload: ApprovalPayload
	TypeStatus  = "status"  // no payload, answered with a status frame
)

// Server-to-client frame types. TypeStatus is shared: clients request it and
// the server answers with it.
const (
	TypeMessage = "message" // payload: MessagePayload
	TypeEvent   = "event"   // Event names the event, payload is event-specific
	TypePong    = "pong"
	TypeError   = "error" // payload: ErrorPayload
)

// ClientFrame is one message from a connected client. ID is a client-chosen
// correlation token echoed back on direct responses.
type ClientFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatPayload carries the user's message for a chat frame.
type ChatPayload struct {
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"` // attachment URLs
}

// ApprovalPayload identifies a parked exec approval for approve/deny frames.
type ApprovalPayload struct {
	ApprovalID string `json:"approval_id"`
}

// ServerFrame is one message pushed to a client.
type ServerFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`    // correlation ID from the triggering frame
	Event   string      `json:"event,omitempty"` // event name when Type == "event"
	Payload interface{} `json:"payload,omitempty"`
}

// MessagePayload is the payload of a message frame (an agent reply).
type MessagePayload struct {
	Content string     `json:"content"`
	Media   []MediaRef `json:"media,omitempty"`
}

// MediaRef points a client at an attachment.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// StatusPayload answers a client status request.
type StatusPayload struct {
	Protocol  int    `json:"protocol"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
	Clients   int    `json:"clients"`
}

// ErrorPayload explains a rejected frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewEventFrame wraps a broadcast event for a client.
func NewEventFrame(name string, payload interface{}) ServerFrame {
	return ServerFrame{Type: TypeEvent, Event: name, Payload: payload}
}

// NewMessageFrame wraps an agent reply for a client.
func NewMessageFrame(content string, media []MediaRef) ServerFrame {
	return ServerFrame{Type: TypeMessage, Payload: MessagePayload{Content: content, Media: media}}
}

// NewErrorFrame reports a rejected client frame. id echoes the client's
// correlation token when it had one.
func NewErrorFrame(id, format string, args ...interface{}) ServerFrame {
	return ServerFrame{Type: TypeError, ID: id, Payload: ErrorPayload{Error: fmt.Sprintf(format, args...)}}
}

// DecodePayload re-marshals a generically decoded frame payload into dst.
// Clients that unmarshal ServerFrame get payloads as map[string]interface{};
// this converts them to the typed payload structs.
func DecodePayload(payload interface{}, dst interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("re-marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
