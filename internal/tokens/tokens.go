// Package tokens provides deterministic token-count estimation used for
// context budgeting and tool-result truncation. No tokenizer model is
// shipped; the estimate is a character heuristic calibrated to common BPE
// vocabularies and always errs on the side of overcounting.
package tokens

import "github.com/nextlevelbuilder/omniclaw/internal/providers"

const (
	// CharsPerToken is the average chars-per-token for Latin-script text.
	CharsPerToken = 4

	// wideRuneMin marks the start of CJK and other scripts where a single
	// rune typically maps to one token or more.
	wideRuneMin = 0x2E80

	// messageOverhead covers role/framing tokens per chat message.
	messageOverhead = 4

	// imageTokens is the flat budget charged per inlined image.
	imageTokens = 768
)

// Estimate returns the estimated token count of s. Monotonic: extending s
// never lowers the estimate.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	var narrow, wide int
	for _, r := range s {
		if r >= wideRuneMin {
			wide++
		} else {
			narrow++
		}
	}
	n := (narrow+CharsPerToken-1)/CharsPerToken + wide
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessage estimates one chat message including tool-call payloads
// and inlined images.
func EstimateMessage(msg providers.Message) int {
	n := messageOverhead + Estimate(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += Estimate(tc.Name)
		for k, v := range tc.Arguments {
			n += Estimate(k)
			if s, ok := v.(string); ok {
				n += Estimate(s)
			} else {
				n += messageOverhead
			}
		}
	}
	n += len(msg.Images) * imageTokens
	return n
}

// EstimateMessages sums EstimateMessage over a conversation.
func EstimateMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// Chars converts a token budget back to an approximate character budget.
func Chars(tokenBudget int) int {
	if tokenBudget <= 0 {
		return 0
	}
	return tokenBudget * CharsPerToken
}
