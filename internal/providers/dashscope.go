package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider layers Alibaba-specific behavior over the
// OpenAI-compatible client. DashScope cannot combine tools with streaming,
// and expresses thinking through its own enable_thinking/thinking_budget
// keys rather than the generic level.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string           { return "dashscope" }
func (p *DashScopeProvider) SupportsThinking() bool { return true }

// ChatStream degrades to a non-streaming call when tools are present,
// synthesizing the chunk callbacks so callers see a normal stream.
func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	req.Options = dashscopeThinkingOptions(req.Options)

	if len(req.Tools) > 0 {
		slog.Debug("dashscope does not stream tool calls, using blocking request")
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if onChunk != nil {
			if resp.Thinking != "" {
				onChunk(StreamChunk{Thinking: resp.Thinking})
			}
			if resp.Content != "" {
				onChunk(StreamChunk{Content: resp.Content})
			}
			onChunk(StreamChunk{Done: true})
		}
		return resp, nil
	}
	return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
}

// dashscopeThinkingOptions translates the generic thinking level into
// DashScope's native keys on a copy of the options map.
func dashscopeThinkingOptions(opts map[string]interface{}) map[string]interface{} {
	level, ok := opts[OptThinkingLevel].(string)
	if !ok || level == "" || level == "off" {
		return opts
	}
	out := make(map[string]interface{}, len(opts)+2)
	for k, v := range opts {
		out[k] = v
	}
	delete(out, OptThinkingLevel)
	out[OptEnableThinking] = true
	out[OptThinkingBudget] = dashscopeThinkingBudget(level)
	return out
}

func dashscopeThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "high":
		return 32768
	default:
		return 16384
	}
}
