package providers

import "encoding/json"

// buildRequestBody translates a ChatRequest into the messages-API payload:
// system turns become system blocks, tool results fold into user turns, and
// assistant turns with preserved raw blocks pass through verbatim so
// thinking signatures survive the round trip.
func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	var system []map[string]interface{}
	var messages []map[string]interface{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, map[string]interface{}{"type": "text", "text": msg.Content})
		case "user":
			messages = append(messages, anthropicUserTurn(msg))
		case "assistant":
			messages = append(messages, anthropicAssistantTurn(msg))
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    4096,
		"messages":      messages,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if len(system) > 0 {
		body["system"] = system
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := anthropicThinkingBudget(level)
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// The API rejects temperature alongside extended thinking, and
		// max_tokens must cover the budget plus a response.
		delete(body, "temperature")
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}

	return body
}

func anthropicUserTurn(msg Message) map[string]interface{} {
	if len(msg.Images) == 0 {
		return map[string]interface{}{"role": "user", "content": msg.Content}
	}
	blocks := make([]map[string]interface{}, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	return map[string]interface{}{"role": "user", "content": blocks}
}

func anthropicAssistantTurn(msg Message) map[string]interface{} {
	// Raw blocks recorded from a previous response carry thinking blocks and
	// their signatures; the API wants them back untouched.
	if msg.RawAssistantContent != nil {
		var raw []json.RawMessage
		if json.Unmarshal(msg.RawAssistantContent, &raw) == nil && len(raw) > 0 {
			return map[string]interface{}{"role": "assistant", "content": raw}
		}
	}

	var blocks []map[string]interface{}
	if msg.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}
	return map[string]interface{}{"role": "assistant", "content": blocks}
}

func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "high":
		return 32000
	default:
		return 10000
	}
}
