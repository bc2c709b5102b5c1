package channels

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// DefaultChunkLimit is the outbound chunk size used for channels without an
// entry in chunkLimits.
const DefaultChunkLimit = 4096

// fenceClose is the room reserved at the end of every chunk for closing an
// open code fence ("\n```").
const fenceClose = 4

// chunkLimits maps channel names to their platform message size limits.
var chunkLimits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"whatsapp": 65536,
	"webchat":  16384,
}

// ChunkLimit returns the outbound message size limit for a channel.
func ChunkLimit(channel string) int {
	if limit, ok := chunkLimits[channel]; ok {
		return limit
	}
	return DefaultChunkLimit
}

// ChunkMessage splits content into pieces that each fit within limit. Width
// is measured in display columns (runewidth, wide runes count 2) with
// newlines counted as one column, so the result never exceeds the platform's
// character limit for any real text.
//
// Break points prefer line boundaries, then spaces, then a hard rune split.
// An open ``` code fence is closed at the end of a chunk and reopened (with
// its info string) at the start of the next so every piece renders on its own.
func ChunkMessage(content string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if content == "" {
		return nil
	}
	if messageWidth(content) <= limit {
		return []string{content}
	}

	eff := limit - fenceClose
	if eff < 16 {
		eff = limit
	}

	var (
		chunks []string
		buf    strings.Builder
		width  int
		fence  string // reopen marker while inside a code fence, "" outside
	)

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		text := buf.String()
		if fence != "" {
			text += "\n```"
		}
		chunks = append(chunks, text)
		buf.Reset()
		width = 0
		if fence != "" {
			buf.WriteString(fence)
			width = lineWidth(fence)
		}
	}

	appendLine := func(line string) {
		lw := lineWidth(line)
		sep := 0
		if buf.Len() > 0 {
			sep = 1
		}
		if width+sep+lw > eff {
			flush()
			sep = 0
			if buf.Len() > 0 {
				sep = 1
			}
		}
		if sep == 1 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
		width += sep + lw
	}

	for _, line := range strings.Split(content, "\n") {
		if !isFenceLine(line) && lineWidth(line) > eff {
			for _, part := range splitLongLine(line, eff) {
				appendLine(part)
			}
			continue
		}
		appendLine(line)
		// Toggle after the write so a flush triggered by the fence line
		// itself still sees the previous fence state.
		if isFenceLine(line) {
			if fence == "" {
				fence = strings.TrimSpace(line)
			} else {
				fence = ""
			}
		}
	}
	flush()

	return chunks
}

// messageWidth is the display width of a whole message, newlines counted as
// one column each.
func messageWidth(s string) int {
	return runewidth.StringWidth(s) + strings.Count(s, "\n")
}

func lineWidth(s string) int {
	return runewidth.StringWidth(s)
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

// splitLongLine breaks a single line wider than limit into parts, cutting at
// the last space inside the window when one exists.
func splitLongLine(line string, limit int) []string {
	var parts []string
	for lineWidth(line) > limit {
		cut := breakPoint(line, limit)
		if part := strings.TrimRight(line[:cut], " "); part != "" {
			parts = append(parts, part)
		}
		line = strings.TrimLeft(line[cut:], " ")
	}
	if line != "" {
		parts = append(parts, line)
	}
	return parts
}

// breakPoint returns the byte offset to cut line at so the left part fits
// within limit columns, preferring the last space in the window.
func breakPoint(line string, limit int) int {
	width := 0
	lastSpace := -1
	for i, r := range line {
		rw := runewidth.RuneWidth(r)
		if width+rw > limit {
			if lastSpace > 0 {
				return lastSpace
			}
			if i == 0 {
				// A single rune wider than the limit still has to move.
				_, size := utf8.DecodeRuneInString(line)
				return size
			}
			return i
		}
		width += rw
		if r == ' ' {
			lastSpace = i
		}
	}
	return len(line)
}
