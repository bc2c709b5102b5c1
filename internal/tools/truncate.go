package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Truncation keeps tool output from eating the model's output budget. The cap
// is 30% of the model's max output tokens, at roughly four characters per
// token. The head keeps 80% of the cap, the tail the rest, so the model sees
// how the output starts and how it ends.
const (
	truncCapTokenShare = 0.3
	truncHeadShare     = 0.8
	truncCharsPerToken = 4
)

// Truncator shortens oversized tool results and stores the untruncated output
// on disk so the user can fetch it later.
type Truncator struct {
	capChars int
	dir      string
	log      *slog.Logger
}

// NewTruncator builds a truncator for a model with the given max output
// tokens. dir receives full copies of truncated outputs; empty disables the
// spill.
func NewTruncator(maxTokens int, dir string) *Truncator {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	capTokens := int(float64(maxTokens) * truncCapTokenShare)
	return &Truncator{
		capChars: capTokens * truncCharsPerToken,
		dir:      dir,
		log:      slog.Default().With("component", "tools"),
	}
}

// CapChars exposes the character budget, for tests and status output.
func (t *Truncator) CapChars() int { return t.capChars }

// Truncate returns s unchanged when it fits. Otherwise it keeps the head and
// tail around a marker naming how many characters were dropped, and writes
// the full output to the spill directory keyed by run and call id.
func (t *Truncator) Truncate(runID, callID, s string) string {
	if len(s) <= t.capChars {
		return s
	}

	dropped := len(s) - t.capChars
	stored := t.spill(runID, callID, s)

	marker := fmt.Sprintf("\n[... truncated %d chars", dropped)
	if stored {
		marker += "; full output stored"
	}
	marker += "]\n"

	// The marker counts against the budget so the result never exceeds the cap.
	budget := t.capChars - len(marker)
	if budget < 0 {
		budget = 0
	}
	headLen := int(float64(budget) * truncHeadShare)
	head := cutRunes(s, headLen)
	tail := tailRunes(s, budget-headLen)
	return head + marker + tail
}

func (t *Truncator) spill(runID, callID, s string) bool {
	if t.dir == "" {
		return false
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		t.log.Warn("cannot create tool results dir", "dir", t.dir, "error", err)
		return false
	}
	name := safeFileComponent(runID) + "-" + safeFileComponent(callID)
	if name == "-" {
		name = fmt.Sprintf("result-%d", time.Now().UnixNano())
	}
	path := filepath.Join(t.dir, name+".txt")
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		t.log.Warn("cannot store full tool output", "path", path, "error", err)
		return false
	}
	return true
}

func safeFileComponent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// cutRunes returns at most n bytes of the front of s without splitting a rune.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tailRunes returns at most n bytes of the end of s without splitting a rune.
func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// truncateRunes shortens s to at most n bytes on a rune boundary; used for
// log previews.
func truncateRunes(s string, n int) string { return cutRunes(s, n) }
