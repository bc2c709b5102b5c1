package tools

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON content, falling back to the raw bytes
// when the payload does not parse.
func extractJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body), "raw"
	}
	formatted, _ := json.MarshalIndent(data, "", "  ")
	return string(formatted), "json"
}

var (
	reComment = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reHeader  = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reMultiNL = regexp.MustCompile(`\n{3,}`)
	reMultiSP = regexp.MustCompile(`[ \t]{2,}`)
	reHeading = regexp.MustCompile(`(?i)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	reBlockq  = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)

	// Elements dropped wholesale before extraction.
	reChromeTags = func() []*regexp.Regexp {
		var res []*regexp.Regexp
		for _, tag := range []string{"script", "style", "nav", "footer"} {
			res = append(res, regexp.MustCompile(`(?is)<`+tag+`[\s\S]*?</`+tag+`>`))
		}
		return res
	}()
)

func stripChrome(page string) string {
	s := reComment.ReplaceAllString(page, "")
	for _, re := range reChromeTags {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

type tagRule struct {
	re   *regexp.Regexp
	repl string
}

// blockRules handle structural elements shared by both extract modes.
var blockRules = []tagRule{
	{regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`), "\n$1\n"},
	{regexp.MustCompile(`(?i)<br\s*/?>`), "\n"},
	{regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`), "\n- $1"},
}

// inlineRules run in order; pre/code go first so code blocks survive the
// later inline rewrites intact.
var inlineRules = []tagRule{
	{regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`), "\n```\n$1\n```\n"},
	{regexp.MustCompile("(?i)<code[^>]*>([\\s\\S]*?)</code>"), "`$1`"},
	{regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`), "[$2]($1)"},
	{regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`), "![$1]"},
	{regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`), "**$1**"},
	{regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`), "*$1*"},
}

// htmlToMarkdown converts HTML to a markdown-like format. Regex-based, not
// a full Readability pass, but covers the common article shapes.
func htmlToMarkdown(page string) string {
	s := stripChrome(page)

	s = reHeading.ReplaceAllStringFunc(s, func(m string) string {
		g := reHeading.FindStringSubmatch(m)
		level := int(g[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + g[2] + "\n"
	})

	s = reBlockq.ReplaceAllStringFunc(s, func(m string) string {
		g := reBlockq.FindStringSubmatch(m)
		if len(g) < 2 {
			return m
		}
		var quoted []string
		for _, line := range strings.Split(strings.TrimSpace(g[1]), "\n") {
			quoted = append(quoted, "> "+strings.TrimSpace(line))
		}
		return "\n" + strings.Join(quoted, "\n") + "\n"
	})

	for _, rule := range inlineRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	for _, rule := range blockRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}

	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = reMultiSP.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text, one trimmed line per block element.
func htmlToText(page string) string {
	s := stripChrome(page)
	s = reHeader.ReplaceAllString(s, "")

	for _, rule := range blockRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}

	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reMultiSP.ReplaceAllString(s, " ")
	s = reMultiNL.ReplaceAllString(s, "\n\n")

	var clean []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

var (
	mdHeadingMarks = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode   = regexp.MustCompile("`[^`]+`")
	mdImage        = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink         = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// markdownToText strips markdown formatting for text mode.
func markdownToText(md string) string {
	s := mdHeadingMarks.ReplaceAllString(md, "")
	s = strings.NewReplacer("**", "", "__", "").Replace(s)
	s = mdInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	return strings.TrimSpace(reMultiNL.ReplaceAllString(s, "\n\n"))
}
