package agent

// AgentEvent is emitted during agent execution for websocket broadcasting
// and channel status displays (typing indicators, tool progress).
type AgentEvent struct {
	Type    string      `json:"type"` // "run.started", "run.completed", "run.failed", "chunk", "tool.call", "tool.result", "status"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Seq     int64       `json:"seq,omitempty"` // strictly increasing per run id
	Payload interface{} `json:"payload,omitempty"`
}

// Event types emitted by the loop.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventChunk        = "chunk"
	EventToolCall     = "tool.call"
	EventToolResult   = "tool.result"
	EventStatus       = "status"
)
