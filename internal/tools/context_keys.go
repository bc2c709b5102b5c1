package tools

import "context"

// Execution metadata travels through the context rather than mutable
// fields on tool instances, keeping tools safe for concurrent runs. The
// agent loop injects the values; the registry and individual tools read
// them during Execute.

type toolContextKey string

const (
	ctxChannel     toolContextKey = "tool_channel"
	ctxChatID      toolContextKey = "tool_chat_id"
	ctxPeerKind    toolContextKey = "tool_peer_kind"
	ctxSessionKey  toolContextKey = "tool_session_key"
	ctxAgentID     toolContextKey = "tool_agent_id"
	ctxWorkspace   toolContextKey = "tool_workspace"
	ctxContextText toolContextKey = "tool_context_text"
	ctxRunID       toolContextKey = "tool_run_id"
	ctxCallID      toolContextKey = "tool_call_id"
)

func ctxString(ctx context.Context, key toolContextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string { return ctxString(ctx, ctxChannel) }

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string { return ctxString(ctx, ctxChatID) }

func WithToolPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

func ToolPeerKindFromCtx(ctx context.Context) string { return ctxString(ctx, ctxPeerKind) }

func WithToolSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func ToolSessionKeyFromCtx(ctx context.Context) string { return ctxString(ctx, ctxSessionKey) }

func WithToolAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

func ToolAgentIDFromCtx(ctx context.Context) string { return ctxString(ctx, ctxAgentID) }

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string { return ctxString(ctx, ctxWorkspace) }

// WithToolContextText carries the user message that triggered the current
// run, for tools that want conversational context (memory, reminders).
func WithToolContextText(ctx context.Context, text string) context.Context {
	return context.WithValue(ctx, ctxContextText, text)
}

func ToolContextTextFromCtx(ctx context.Context) string { return ctxString(ctx, ctxContextText) }

func WithToolRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxRunID, runID)
}

func ToolRunIDFromCtx(ctx context.Context) string { return ctxString(ctx, ctxRunID) }

func WithToolCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxCallID, callID)
}

func ToolCallIDFromCtx(ctx context.Context) string { return ctxString(ctx, ctxCallID) }
