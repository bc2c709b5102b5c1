// Package memory is the assistant's long-term memory: short facts and notes
// persisted across sessions and recalled by keyword. The agent writes
// through the remember/forget tools; the context builder reads recalls for
// the current message.
package memory

import "context"

// Entry kinds.
const (
	KindFact = "fact" // durable knowledge about the user or the world
	KindNote = "note" // working notes, observations, todo-like items
)

// Entry is one remembered item.
type Entry struct {
	ID          string `json:"id"`
	SessionKey  string `json:"session_key,omitempty"`
	Kind        string `json:"kind"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Store persists and recalls entries. Implementations: sqlite (standalone
// mode) and Postgres (managed mode).
type Store interface {
	// Remember stores an entry, assigning ID and timestamp when empty.
	Remember(ctx context.Context, entry Entry) (Entry, error)
	// Search returns entries matching any keyword of q, newest first.
	// An empty query returns the most recent entries.
	Search(ctx context.Context, q string, limit int) ([]Entry, error)
	// Recent returns the newest entries regardless of content.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Forget deletes an entry by id; ok=false when it did not exist.
	Forget(ctx context.Context, id string) (bool, error)
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Keywords extracts search terms from free text: lowercase words of three
// or more runes, deduplicated, order preserved. Short connectives carry no
// recall signal. CJK text does not space-delimit, so any run containing a
// wide rune is kept whole regardless of length.
func Keywords(q string) []string {
	var words []string
	seen := make(map[string]bool)
	var current []rune
	wide := false
	flush := func() {
		if len(current) >= 3 || (wide && len(current) > 0) {
			w := string(current)
			if !seen[w] {
				seen[w] = true
				words = append(words, w)
			}
		}
		current = current[:0]
		wide = false
	}
	for _, r := range q {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			current = append(current, r)
		case r >= 'A' && r <= 'Z':
			current = append(current, r+('a'-'A'))
		case r > 127:
			if r >= 0x2E80 {
				wide = true
			}
			current = append(current, r)
		default:
			flush()
		}
	}
	flush()
	return words
}
