package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/tokens"
)

// budgetShare of the model's context window is usable for the prompt; the
// rest is headroom for the response and estimator error.
const budgetShare = 0.8

// ContextParts are the raw sections the builder assembles into a prompt.
type ContextParts struct {
	System  string
	Memory  string
	Skills  string
	Summary string
	History []providers.Message
	Current providers.Message
}

// ContextBuilder packs prompt sections into the token budget for one model.
// Each section gets a share of the budget; whatever a section leaves unused
// spills into the history share, which is the only section that grows.
type ContextBuilder struct {
	window int
	shares config.ContextShares
}

// NewContextBuilder creates a builder for a model context window. A zero or
// negative window falls back to the configured default.
func NewContextBuilder(window int, shares *config.ContextShares) *ContextBuilder {
	if window <= 0 {
		window = config.DefaultContextWindow
	}
	return &ContextBuilder{window: window, shares: shares.Normalized()}
}

// Budget returns the total prompt token budget.
func (b *ContextBuilder) Budget() int {
	return int(float64(b.window) * budgetShare)
}

// Build assembles the provider message list: system first, then the summary
// pair when a summary exists, then packed history, then the current user
// message. The result never exceeds Budget() except when the newest history
// message or the current message alone is over budget (both are always
// kept; image attachments are charged but never dropped).
func (b *ContextBuilder) Build(parts ContextParts) []providers.Message {
	budget := b.Budget()

	sysBudget := int(float64(budget) * b.shares.System)
	memBudget := int(float64(budget) * b.shares.Memory)
	skillBudget := int(float64(budget) * b.shares.Skills)
	histBudget := int(float64(budget) * b.shares.History)
	curBudget := int(float64(budget) * b.shares.Current)

	system := clipToTokens(parts.System, sysBudget)
	memory := clipToTokens(parts.Memory, memBudget)
	skills := clipToTokens(parts.Skills, skillBudget)

	current := parts.Current
	if cost := tokens.EstimateMessage(current); cost > curBudget {
		overhead := cost - tokens.Estimate(current.Content)
		current.Content = clipToTokens(current.Content, curBudget-overhead)
	}

	var sb strings.Builder
	sb.WriteString(system)
	if memory != "" {
		sb.WriteString("\n\n# Memory\n")
		sb.WriteString(memory)
	}
	if skills != "" {
		sb.WriteString("\n\n# Skills\n")
		sb.WriteString(skills)
	}
	sysMsg := providers.Message{Role: "system", Content: sb.String()}

	// Whatever the fixed sections leave unused spills into history. Spill is
	// computed from the composed messages so framing overhead is charged too;
	// it goes negative when the overhead overruns, shrinking history.
	spill := sysBudget + memBudget + skillBudget - tokens.EstimateMessage(sysMsg)
	spill += curBudget - tokens.EstimateMessage(current)
	histBudget += spill

	msgs := []providers.Message{sysMsg}

	if parts.Summary != "" {
		pair := summaryPair(parts.Summary)
		histBudget -= tokens.EstimateMessages(pair)
		msgs = append(msgs, pair...)
	}

	msgs = append(msgs, packHistory(parts.History, histBudget)...)
	msgs = append(msgs, current)
	return msgs
}

// summaryPair surfaces a compaction summary to the model as a short exchange
// ahead of the kept history.
func summaryPair(summary string) []providers.Message {
	return []providers.Message{
		{Role: "user", Content: "[Conversation summary]\n" + summary},
		{Role: "assistant", Content: "Understood."},
	}
}

// packHistory keeps the newest messages that fit the budget, walking
// newest to oldest. The newest message is always kept even when it alone
// exceeds the budget. Tool results orphaned at the cut boundary are dropped,
// then pairing across the kept window is repaired.
func packHistory(history []providers.Message, budget int) []providers.Message {
	if len(history) == 0 {
		return nil
	}

	cut := len(history) - 1
	used := tokens.EstimateMessage(history[cut])
	for i := len(history) - 2; i >= 0; i-- {
		cost := tokens.EstimateMessage(history[i])
		if used+cost > budget {
			break
		}
		used += cost
		cut = i
	}

	kept := history[cut:]

	// A tool result whose assistant turn fell off the cut has no pair left.
	for len(kept) > 0 && kept[0].Role == "tool" {
		kept = kept[1:]
	}
	if cut > 0 {
		slog.Debug("context: history packed", "dropped", cut, "kept", len(kept), "budget", budget)
	}

	return repairToolPairing(kept)
}

// repairToolPairing enforces the provider contract that every assistant
// tool_call is followed by a matching tool result and tool results never
// appear without their call. Violations come from truncation and compaction
// cuts.
func repairToolPairing(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	var out []providers.Message
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			out = append(out, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				if expected[msgs[i].ToolCallID] {
					out = append(out, msgs[i])
					delete(expected, msgs[i].ToolCallID)
				} else {
					slog.Warn("context: dropping mismatched tool result", "tool_call_id", msgs[i].ToolCallID)
				}
			}

			for id := range expected {
				slog.Warn("context: synthesizing missing tool result", "tool_call_id", id)
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    "[tool result lost to history truncation]",
					ToolCallID: id,
				})
			}
			continue
		}

		if msg.Role == "tool" {
			slog.Warn("context: dropping orphaned tool result", "tool_call_id", msg.ToolCallID)
			continue
		}

		out = append(out, msg)
	}
	return out
}

// clipToTokens truncates s so its estimate fits the token budget, cutting at
// a rune boundary and ending with a marker naming how many tokens were
// dropped. The marker counts against the budget. Sections are clipped at the
// tail; the head carries the instructions that matter.
func clipToTokens(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	total := tokens.Estimate(s)
	if total <= budget {
		return s
	}

	// Reserve marker space at the worst-case count; the real dropped count
	// can only be smaller, so the result stays within budget.
	reserve := tokens.Estimate(clipMarker(total))
	inner := budget - reserve
	if inner <= 0 {
		// Budget too small to carry a marker at all.
		return clipRunes(s, budget)
	}
	clipped := clipRunes(s, inner)
	return clipped + clipMarker(total-tokens.Estimate(clipped))
}

func clipMarker(dropped int) string {
	return fmt.Sprintf("\n[… %d tokens dropped]", dropped)
}

// clipRunes cuts s at a rune boundary so its estimate fits the budget.
func clipRunes(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if tokens.Estimate(s) <= budget {
		return s
	}

	limit := tokens.Chars(budget)
	if limit >= len(s) {
		// Wide runes push the estimate over while the byte length fits;
		// trim runes until the estimate complies.
		for tokens.Estimate(s) > budget && len(s) > 0 {
			_, size := utf8.DecodeLastRuneInString(s)
			s = s[:len(s)-size]
		}
		return s
	}

	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	clipped := s[:limit]
	for tokens.Estimate(clipped) > budget && len(clipped) > 0 {
		_, size := utf8.DecodeLastRuneInString(clipped)
		clipped = clipped[:len(clipped)-size]
	}
	return clipped
}
