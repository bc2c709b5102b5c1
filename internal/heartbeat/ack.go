package heartbeat

import "strings"

// AckToken is what the agent replies when a heartbeat found nothing worth
// reporting. The heartbeat prompt instructs the model to lead with it.
const AckToken = "HEARTBEAT_OK"

// StripAck decides what, if anything, of a heartbeat reply reaches the user.
// A reply without the token is delivered as-is. A reply containing the token
// has every occurrence removed; if at most maxChars remain the whole reply is
// treated as an ack and dropped, otherwise the remainder is delivered (the
// model acked but still produced a real report).
func StripAck(content string, maxChars int) (out string, drop bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", true
	}
	if !strings.Contains(trimmed, AckToken) {
		return trimmed, false
	}
	rest := strings.TrimSpace(strings.ReplaceAll(trimmed, AckToken, ""))
	if len([]rune(rest)) <= maxChars {
		return "", true
	}
	return rest, false
}
