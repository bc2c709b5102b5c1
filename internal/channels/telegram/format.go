package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Telegram's HTML parse mode accepts only a small tag set (b, i, s, code,
// pre, a, ...); any other angle bracket must arrive escaped or the whole
// sendMessage call is rejected.

var (
	mdInlineCode = regexp.MustCompile("`([^`\n]+)`")
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`)
	mdLink       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^\s)]+)\)`)
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdStrike     = regexp.MustCompile(`~~([^~\n]+)~~`)
)

type mdSegment struct {
	code bool
	lang string
	text string
}

// renderHTML converts common markdown to Telegram-safe HTML. Code fences
// become <pre> blocks, inline markdown becomes the matching tags, everything
// else is entity-escaped so model output cannot inject markup.
func renderHTML(md string) string {
	var b strings.Builder
	for _, seg := range splitFences(md) {
		if seg.text == "" {
			continue
		}
		if seg.code {
			escaped := html.EscapeString(seg.text)
			if seg.lang != "" {
				fmt.Fprintf(&b, `<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(seg.lang), escaped)
			} else {
				b.WriteString("<pre>" + escaped + "</pre>")
			}
			continue
		}
		b.WriteString(renderInline(seg.text))
	}
	return b.String()
}

// splitFences separates ``` code blocks from regular text. An unclosed fence
// runs to the end of the input.
func splitFences(s string) []mdSegment {
	var (
		segs   []mdSegment
		cur    strings.Builder
		lang   string
		inCode bool
	)

	flush := func(code bool) {
		segs = append(segs, mdSegment{code: code, lang: lang, text: cur.String()})
		cur.Reset()
	}

	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			flush(inCode)
			if inCode {
				inCode = false
				lang = ""
			} else {
				inCode = true
				lang = fenceLang(trimmed)
			}
			continue
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush(inCode)
	return segs
}

// fenceLang extracts the info string from an opening fence line.
func fenceLang(fence string) string {
	lang := strings.TrimSpace(strings.TrimPrefix(fence, "```"))
	if i := strings.IndexAny(lang, " \t"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}

// renderInline escapes a text segment and applies the inline transforms.
// Inline code spans are pulled out first so their content stays verbatim.
func renderInline(text string) string {
	esc := html.EscapeString(text)

	var spans []string
	esc = mdInlineCode.ReplaceAllStringFunc(esc, func(m string) string {
		spans = append(spans, "<code>"+m[1:len(m)-1]+"</code>")
		return fmt.Sprintf("\x00%d\x00", len(spans)-1)
	})

	esc = mdHeading.ReplaceAllString(esc, "<b>$1</b>")
	esc = mdLink.ReplaceAllString(esc, `<a href="$2">$1</a>`)
	esc = mdBold.ReplaceAllString(esc, "<b>$1</b>")
	esc = mdItalic.ReplaceAllString(esc, "<i>$1</i>")
	esc = mdStrike.ReplaceAllString(esc, "<s>$1</s>")

	for i, span := range spans {
		esc = strings.Replace(esc, fmt.Sprintf("\x00%d\x00", i), span, 1)
	}
	return esc
}
