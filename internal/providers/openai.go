package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openAIDefaultBase = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions wire protocol, which covers
// OpenAI itself plus the compatible endpoints (Groq, OpenRouter, DeepSeek,
// vLLM, Gemini's OpenAI facade).
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = openAIDefaultBase
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string          { return p.name }
func (p *OpenAIProvider) DefaultModel() string  { return p.defaultModel }
func (p *OpenAIProvider) SupportsThinking() bool { return true }
func (p *OpenAIProvider) APIKey() string        { return p.apiKey }
func (p *OpenAIProvider) APIBase() string       { return p.apiBase }

// resolveModel guards against model names that cannot work on this endpoint.
// OpenRouter ids carry a vendor prefix ("anthropic/claude-..."); a bare name
// there falls back to the configured default instead of a guaranteed 400.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := p.requestPayload(p.resolveModel(req.Model), req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		body, err := p.post(ctx, payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var wire openAIResponse
		if err := json.NewDecoder(body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.fromWire(&wire), nil
	})
}

// ChatStream retries the connection phase only; once bytes are flowing the
// stream is consumed to the end or failed outright.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	payload := p.requestPayload(p.resolveModel(req.Model), req, true)

	body, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.post(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	result := p.readStream(body, onChunk)
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// readStream consumes the SSE body, emitting deltas as they arrive and
// stitching streamed tool calls back together from their fragments.
func (p *OpenAIProvider) readStream(body io.Reader, onChunk func(StreamChunk)) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	calls := make(map[int]*toolCallAccumulator)

	scanner := bufio.NewScanner(body)
	// Single deltas carrying a base64 image or a long tool argument can
	// exceed the default 64K token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = usageFromWire(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if t := choice.Delta.ReasoningContent; t != "" {
			result.Thinking += t
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: t})
			}
		}
		if c := choice.Delta.Content; c != "" {
			result.Content += c
			if onChunk != nil {
				onChunk(StreamChunk{Content: c})
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{
					ToolCall: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)},
				}
				calls[tc.Index] = acc
			}
			if tc.Function.Name != "" {
				acc.Name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
			if tc.Function.ThoughtSignature != "" {
				acc.thoughtSig = tc.Function.ThoughtSignature
			}
		}

		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}

	for i := 0; i < len(calls); i++ {
		acc := calls[i]
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.Arguments = args
		if acc.thoughtSig != "" {
			acc.Metadata = map[string]string{"thought_signature": acc.thoughtSig}
		}
		result.ToolCalls = append(result.ToolCalls, acc.ToolCall)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result
}

func (p *OpenAIProvider) requestPayload(model string, req ChatRequest, stream bool) map[string]interface{} {
	msgs := req.Messages
	// Gemini requires thought_signature echoed back on every tool_call and
	// rejects history recorded without it; those cycles get collapsed.
	if strings.Contains(strings.ToLower(p.name), "gemini") {
		msgs = collapseToolCallsWithoutSig(msgs)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": encodeMessages(msgs),
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	if v, ok := req.Options[OptResponseFormat].(string); ok && v == "json" {
		body["response_format"] = map[string]interface{}{"type": "json_object"}
	}
	// reasoning_effort for o-series models; others ignore the key.
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body[OptReasoningEffort] = level
	}
	// DashScope passthrough keys set by its wrapper.
	if v, ok := req.Options[OptEnableThinking]; ok {
		body[OptEnableThinking] = v
	}
	if v, ok := req.Options[OptThinkingBudget]; ok {
		body[OptThinkingBudget] = v
	}
	return body
}

// encodeMessages converts internal messages to the chat-completions wire
// shape: tool calls wrapped in {type:"function", function:{...}} with
// arguments as a JSON string, images as data-URL content parts.
func encodeMessages(msgs []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		msg := map[string]interface{}{"role": m.Role}

		switch {
		case m.Role == "user" && len(m.Images) > 0:
			parts := make([]map[string]interface{}, 0, len(m.Images)+1)
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
			}
			msg["content"] = parts
		case m.Content != "" || len(m.ToolCalls) == 0:
			// Empty content on an assistant message that carries tool_calls
			// stays omitted: Gemini rejects it.
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				fn := map[string]interface{}{
					"name":      tc.Name,
					"arguments": string(argsJSON),
				}
				if sig := tc.Metadata["thought_signature"]; sig != "" {
					fn["thought_signature"] = sig
				}
				calls[i] = map[string]interface{}{
					"id":       tc.ID,
					"type":     "function",
					"function": fn,
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, payload interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(errBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) fromWire(wire *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if wire.Usage != nil {
		result.Usage = usageFromWire(wire.Usage)
	}
	if len(wire.Choices) == 0 {
		return result
	}

	choice := wire.Choices[0]
	result.Content = choice.Message.Content
	result.Thinking = choice.Message.ReasoningContent
	result.FinishReason = choice.FinishReason

	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		call := ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		}
		if tc.Function.ThoughtSignature != "" {
			call.Metadata = map[string]string{"thought_signature": tc.Function.ThoughtSignature}
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result
}

func usageFromWire(u *openAIUsage) *Usage {
	usage := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens > 0 {
		usage.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}
