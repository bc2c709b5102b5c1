package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, true)

	// Retry only the connection phase; an established stream either finishes
	// or fails.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := &anthropicStream{
		result:  &ChatResponse{FinishReason: "stop"},
		onChunk: onChunk,
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // thinking deltas can be large

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if err := st.handle(event, data); err != nil {
			return nil, err
		}
	}

	result := st.finish()
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// streamBlock rebuilds one content block from its deltas, so the assistant
// turn can be replayed verbatim on the next request (thinking signatures
// included).
type streamBlock struct {
	typ       string
	text      strings.Builder
	thinking  strings.Builder
	signature strings.Builder
	argsJSON  strings.Builder
	toolIdx   int // index into result.ToolCalls for tool_use blocks
}

// anthropicStream folds SSE events into a ChatResponse.
type anthropicStream struct {
	result  *ChatResponse
	onChunk func(StreamChunk)
	blocks  []*streamBlock
}

func (s *anthropicStream) current() *streamBlock {
	if len(s.blocks) == 0 {
		return nil
	}
	return s.blocks[len(s.blocks)-1]
}

func (s *anthropicStream) usage() *Usage {
	if s.result.Usage == nil {
		s.result.Usage = &Usage{}
	}
	return s.result.Usage
}

func (s *anthropicStream) handle(event, data string) error {
	switch event {
	case "message_start":
		var ev anthropicMessageStartEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		u := s.usage()
		if ev.Message.Usage.InputTokens > 0 {
			u.PromptTokens = ev.Message.Usage.InputTokens
		}
		u.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
		u.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens

	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		blk := &streamBlock{typ: ev.ContentBlock.Type, toolIdx: -1}
		if ev.ContentBlock.Type == "tool_use" {
			blk.toolIdx = len(s.result.ToolCalls)
			s.result.ToolCalls = append(s.result.ToolCalls, ToolCall{
				ID:        ev.ContentBlock.ID,
				Name:      strings.TrimSpace(ev.ContentBlock.Name),
				Arguments: make(map[string]interface{}),
			})
		}
		s.blocks = append(s.blocks, blk)

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		blk := s.current()
		switch ev.Delta.Type {
		case "text_delta":
			s.result.Content += ev.Delta.Text
			if blk != nil {
				blk.text.WriteString(ev.Delta.Text)
			}
			if s.onChunk != nil {
				s.onChunk(StreamChunk{Content: ev.Delta.Text})
			}
		case "thinking_delta":
			s.result.Thinking += ev.Delta.Thinking
			if blk != nil {
				blk.thinking.WriteString(ev.Delta.Thinking)
			}
			if s.onChunk != nil {
				s.onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
			}
		case "input_json_delta":
			if blk != nil {
				blk.argsJSON.WriteString(ev.Delta.PartialJSON)
			}
		case "signature_delta":
			if blk != nil {
				blk.signature.WriteString(ev.Delta.Signature)
			}
		}

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		switch ev.Delta.StopReason {
		case "":
		case "tool_use":
			s.result.FinishReason = "tool_calls"
		case "max_tokens":
			s.result.FinishReason = "length"
		default:
			s.result.FinishReason = "stop"
		}
		if ev.Usage.OutputTokens > 0 {
			s.usage().CompletionTokens = ev.Usage.OutputTokens
		}

	case "error":
		var ev anthropicErrorEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
	return nil
}

// finish resolves tool arguments, estimates thinking tokens, and records the
// raw assistant blocks when thinking accompanied tool use.
func (s *anthropicStream) finish() *ChatResponse {
	for _, blk := range s.blocks {
		if blk.typ != "tool_use" || blk.toolIdx < 0 || blk.argsJSON.Len() == 0 {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(blk.argsJSON.String()), &args)
		s.result.ToolCalls[blk.toolIdx].Arguments = args
	}

	if u := s.result.Usage; u != nil {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		// No exact figure on the stream; ~4 chars per token.
		if n := len(s.result.Thinking); n > 0 {
			u.ThinkingTokens = n / 4
		}
	}

	if len(s.result.ToolCalls) > 0 && len(s.blocks) > 0 {
		raw := make([]json.RawMessage, 0, len(s.blocks))
		for _, blk := range s.blocks {
			if b := blk.marshal(s.result); b != nil {
				raw = append(raw, b)
			}
		}
		if len(raw) > 0 {
			if b, err := json.Marshal(raw); err == nil {
				s.result.RawAssistantContent = b
			}
		}
	}
	return s.result
}

// marshal reassembles the wire form of a finished block.
func (b *streamBlock) marshal(result *ChatResponse) json.RawMessage {
	var block map[string]interface{}
	switch b.typ {
	case "thinking":
		block = map[string]interface{}{"type": "thinking", "thinking": b.thinking.String()}
		if sig := b.signature.String(); sig != "" {
			block["signature"] = sig
		}
	case "text":
		block = map[string]interface{}{"type": "text", "text": b.text.String()}
	case "tool_use":
		if b.toolIdx < 0 || b.toolIdx >= len(result.ToolCalls) {
			return nil
		}
		tc := result.ToolCalls[b.toolIdx]
		block = map[string]interface{}{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments}
	case "redacted_thinking":
		// The encrypted payload is not replayed from a stream.
		block = map[string]interface{}{"type": "redacted_thinking"}
	default:
		return nil
	}
	raw, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	return raw
}
