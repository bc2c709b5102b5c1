package channels

import (
	"strings"
	"sync"
)

// DefaultGroupHistoryLimit caps pending group messages kept per chat when the
// channel config leaves history_limit unset.
const DefaultGroupHistoryLimit = 50

// HistoryEntry is one buffered group message.
type HistoryEntry struct {
	Sender string
	Body   string
}

// GroupHistory buffers group messages that did not address the bot. When the
// bot is finally mentioned, the buffered lines are prepended to the current
// message so the agent sees the conversation since its last turn. Safe for
// concurrent use.
type GroupHistory struct {
	mu      sync.Mutex
	pending map[string][]HistoryEntry
}

func NewGroupHistory() *GroupHistory {
	return &GroupHistory{pending: make(map[string][]HistoryEntry)}
}

// Record buffers an unaddressed group message, keeping at most limit entries
// per key (oldest dropped first).
func (h *GroupHistory) Record(key string, entry HistoryEntry, limit int) {
	if limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.pending[key], entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	h.pending[key] = entries
}

// Len returns the number of buffered entries for a key.
func (h *GroupHistory) Len(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[key])
}

// BuildContext renders the buffered history followed by the current message.
// Returns current unchanged when nothing is buffered. The buffer is left in
// place; callers Clear after the message is handed to the agent.
func (h *GroupHistory) BuildContext(key, current string, limit int) string {
	h.mu.Lock()
	entries := h.pending[key]
	h.mu.Unlock()

	if len(entries) == 0 {
		return current
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	var b strings.Builder
	b.WriteString("[Chat messages since your last reply]\n")
	for _, e := range entries {
		b.WriteString(e.Sender)
		b.WriteString(": ")
		b.WriteString(e.Body)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(current)
	return b.String()
}

// Clear drops the buffered history for a key.
func (h *GroupHistory) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, key)
}
