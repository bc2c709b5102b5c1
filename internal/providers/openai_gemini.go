package providers

// collapseToolCallsWithoutSig drops tool-call cycles whose calls lack a
// thought_signature. Gemini 2.5+ requires the signature echoed on every
// tool_call and answers HTTP 400 otherwise; history captured before the
// signature existed (or from models that never emit one) trips this. The
// assistant's own text survives, the calls and their results do not.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	drop := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		// One unsigned call poisons the whole turn.
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				for _, tc2 := range m.ToolCalls {
					drop[tc2.ID] = true
				}
				break
			}
		}
	}
	if len(drop) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.ToolCalls) > 0 && drop[m.ToolCalls[0].ID] {
			if m.Content != "" {
				out = append(out, Message{Role: "assistant", Content: m.Content})
			}
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" && drop[msgs[i+1].ToolCallID] {
				i++
			}
			continue
		}
		// Tool results whose call was already collapsed.
		if m.Role == "tool" && drop[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
