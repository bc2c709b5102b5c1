package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

const (
	sessionsListDefault    = 20
	sessionsHistoryDefault = 20
)

// SessionsTool inspects the agent's conversations: list them, read recent
// history, show per-session stats. Only sessions belonging to the calling
// agent are visible.
type SessionsTool struct {
	sessions store.SessionStore
}

func NewSessionsTool(s store.SessionStore) *SessionsTool {
	return &SessionsTool{sessions: s}
}

func (t *SessionsTool) Name() string { return "sessions" }
func (t *SessionsTool) Description() string {
	return "List this agent's sessions, read a session's recent history, or show its status"
}
func (t *SessionsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"list", "history", "status"},
				"description": "What to do",
			},
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "history/status: session to inspect (default: current)",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "list: max sessions (default 20); history: max messages (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "list: only sessions active in the last N minutes",
			},
		},
		"required": []string{"action"},
	}
}

func (t *SessionsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	action, _ := args["action"].(string)
	switch action {
	case "list":
		return t.list(ctx, args)
	case "history":
		return t.history(ctx, args)
	case "status":
		return t.status(ctx, args)
	default:
		return ErrorResult("action must be one of list, history, status")
	}
}

func (t *SessionsTool) list(ctx context.Context, args map[string]interface{}) *Result {
	limit := sessionsListDefault
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	var cutoffMs int64
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		cutoffMs = time.Now().Add(-time.Duration(v) * time.Minute).UnixMilli()
	}

	agentID := ToolAgentIDFromCtx(ctx)
	var b strings.Builder
	count := 0
	for _, info := range t.sessions.List() {
		if !sessionBelongsToAgent(info.Key, agentID) {
			continue
		}
		if cutoffMs > 0 && info.UpdatedAt < cutoffMs {
			continue
		}
		if count >= limit {
			break
		}
		fmt.Fprintf(&b, "%s: %d messages, updated %s", info.Key, info.MessageCount,
			time.UnixMilli(info.UpdatedAt).Format(time.RFC3339))
		if info.LastChannel != "" {
			fmt.Fprintf(&b, " (%s)", info.LastChannel)
		}
		b.WriteString("\n")
		count++
	}
	if count == 0 {
		return SilentResult("(no sessions)")
	}
	return SilentResult(b.String())
}

func (t *SessionsTool) history(ctx context.Context, args map[string]interface{}) *Result {
	key, res := t.resolveKey(ctx, args)
	if res != nil {
		return res
	}
	limit := sessionsHistoryDefault
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	msgs := t.sessions.History(key)
	if len(msgs) == 0 {
		return SilentResult("(no messages)")
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			content = "(tool calls: " + strings.Join(names, ", ") + ")"
		}
		if len(content) > 500 {
			content = truncateRunes(content, 500) + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, content)
	}
	return SilentResult(b.String())
}

func (t *SessionsTool) status(ctx context.Context, args map[string]interface{}) *Result {
	key, res := t.resolveKey(ctx, args)
	if res != nil {
		return res
	}

	s := t.sessions.GetOrCreate(key)
	stats := t.sessions.Stats(key)

	var lines []string
	lines = append(lines, fmt.Sprintf("Session: %s", s.Key))
	lines = append(lines, fmt.Sprintf("Messages: %d", len(s.Messages)))
	lines = append(lines, fmt.Sprintf("Tokens: %d prompt / %d completion", stats.Prompt, stats.Completion))
	if s.Summary != "" {
		lines = append(lines, fmt.Sprintf("Has summary: yes (%d chars)", len(s.Summary)))
	}
	if n := t.sessions.Metadata(key, "compactions"); n != "" {
		lines = append(lines, fmt.Sprintf("Compactions: %s", n))
	}
	if model := t.sessions.Metadata(key, "model"); model != "" {
		lines = append(lines, fmt.Sprintf("Model: %s", model))
	}
	if s.LastChannel != "" {
		lines = append(lines, fmt.Sprintf("Channel: %s", s.LastChannel))
	}
	if s.UpdatedAt > 0 {
		lines = append(lines, fmt.Sprintf("Updated: %s", time.UnixMilli(s.UpdatedAt).Format(time.RFC3339)))
	}
	return SilentResult(strings.Join(lines, "\n"))
}

// resolveKey picks the target session and enforces agent scoping.
func (t *SessionsTool) resolveKey(ctx context.Context, args map[string]interface{}) (string, *Result) {
	key, _ := args["session_key"].(string)
	if key == "" {
		key = ToolSessionKeyFromCtx(ctx)
	}
	if key == "" {
		return "", ErrorResult("session_key is required (could not detect current session)")
	}
	if agentID := ToolAgentIDFromCtx(ctx); agentID != "" && !sessionBelongsToAgent(key, agentID) {
		return "", ErrorResult("access denied: session belongs to a different agent")
	}
	return key, nil
}

func sessionBelongsToAgent(key, agentID string) bool {
	if agentID == "" {
		return true
	}
	owner, _ := sessions.ParseSessionKey(key)
	return owner == agentID
}
