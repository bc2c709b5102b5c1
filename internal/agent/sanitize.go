package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// sanitizePass removes one class of model artifact from reply text.
type sanitizePass func(string) string

// sanitizePasses run in order; each assumes the previous ones already ran.
var sanitizePasses = []sanitizePass{
	dropGarbledToolMarkup,
	dropNarratedToolBlocks,
	dropThinkingMarkup,
	unwrapFinalTags,
	dropEchoedSystemBlocks,
	dedupeAdjacentParagraphs,
	dropMediaMarkers,
	trimLeadingBlankLines,
}

// SanitizeAssistantContent cleans a model reply before it is saved or
// delivered. Models leak tool-call XML, thinking tags, echoed system
// messages, and repeated paragraphs into their text content.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	original := content
	for _, pass := range sanitizePasses {
		content = pass(content)
		if content == "" {
			break
		}
	}
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Tool-call XML leaked as text (DeepSeek, GLM, MiniMax). A reply carrying
// any of these markers is a failed tool call, not an answer, so the whole
// reply is discarded rather than delivering the mangled remainder.
var toolMarkupHints = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<minimax:tool_call",
}

var toolMarkupTags = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter|minimax:tool_call)[^>]*>`,
)

func dropGarbledToolMarkup(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, hint := range toolMarkupHints {
		if strings.Contains(lower, hint) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	remainder := strings.TrimSpace(toolMarkupTags.ReplaceAllString(content, ""))
	if remainder == "" {
		slog.Warn("dropped reply consisting entirely of tool-call XML", "original_len", len(content))
		return ""
	}
	slog.Warn("dropped reply with leaked tool-call XML", "original_len", len(content), "remaining_len", len(remainder))
	return ""
}

// dropNarratedToolBlocks removes "[Tool Call: ...]" / "[Tool Result ...]" /
// "[Historical context: ...]" narrations plus their indented argument and
// output lines. Line scanning, since Go regexp has no lookahead.
func dropNarratedToolBlocks(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[Tool Call:") ||
			strings.HasPrefix(trimmed, "[Tool Result") ||
			strings.HasPrefix(trimmed, "[Historical context:") {
			inBlock = true
			continue
		}
		if inBlock {
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			inBlock = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// No backreferences in Go regexp, hence one pattern per tag name.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

func dropThinkingMarkup(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// unwrapFinalTags removes <final> wrappers, keeping what they contain.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func unwrapFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// dropEchoedSystemBlocks removes "[System Message] ..." blocks the model
// echoed from its own context. A blank line ends the block.
func dropEchoedSystemBlocks(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			inBlock = true
			continue
		}
		if inBlock {
			if strings.TrimSpace(line) == "" {
				inBlock = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("dropped echoed system message from reply", "original_len", len(content), "cleaned_len", len(cleaned))
	}
	return cleaned
}

// dedupeAdjacentParagraphs collapses a paragraph repeated back to back into
// a single copy.
func dedupeAdjacentParagraphs(content string) string {
	paragraphs := strings.Split(content, "\n\n")
	if len(paragraphs) <= 1 {
		return content
	}

	var kept []string
	for _, p := range paragraphs {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, p)
	}

	out := strings.Join(kept, "\n\n")
	if out != content {
		slog.Debug("collapsed repeated paragraphs", "before", len(paragraphs), "after", len(kept))
	}
	return out
}

// dropMediaMarkers removes MEDIA:/path lines; attachments travel on
// OutboundMessage.Media, not in the text.
func dropMediaMarkers(content string) string {
	if !strings.Contains(content, "MEDIA:") {
		return content
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "MEDIA:") || strings.HasPrefix(trimmed, "[[audio_as_voice]]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func trimLeadingBlankLines(content string) string {
	return leadingBlankLines.ReplaceAllString(content, "")
}

// IsSilentReply reports whether the text is a NO_REPLY token, which the
// system prompt tells the model to emit when nothing should be delivered
// (ignorable group chatter, heartbeat ticks with nothing to say). The token
// may stand alone or sit at either end of the text.
func IsSilentReply(text string) bool {
	const token = "NO_REPLY"

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == token {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, token); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, token); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
