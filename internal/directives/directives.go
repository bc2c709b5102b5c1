// Package directives parses leading slash directives that tune a single
// turn: /think, /verbose, /model <name>, /temp <float>, and friends. The
// leading run is stripped from the text before it reaches the model;
// anything from the first unrecognised token on passes through untouched
// since it may be a command or ordinary prose.
package directives

import (
	"strconv"
	"strings"
	"unicode"
)

// Directives are the per-turn switches extracted from a message.
type Directives struct {
	Think    bool // request extended thinking
	Verbose  bool // include tool traces in the reply
	Elevated bool // mark the turn as pre-approved for gated tools
	JSON     bool // ask for machine-readable output
	NoTools  bool // run without the tool registry
	Raw      bool // skip output post-processing
	Debug    bool // include run diagnostics in the reply

	Model     string  // model override; "default" clears a persisted override
	Temp      float64 // sampling temperature override, valid range (0, 2]
	HasTemp   bool
	MaxTokens int // response token cap override
}

// Any reports whether at least one directive was present.
func (d Directives) Any() bool {
	return d.Think || d.Verbose || d.Elevated || d.JSON || d.NoTools || d.Raw || d.Debug ||
		d.Model != "" || d.HasTemp || d.MaxTokens > 0
}

// token is a whitespace-delimited word plus the whitespace that preceded
// it, so cleaned text keeps the original layout (newlines included).
type token struct {
	ws   string
	text string
}

func tokenize(text string) []token {
	var toks []token
	var ws, word strings.Builder
	for _, r := range text {
		if unicode.IsSpace(r) {
			if word.Len() > 0 {
				toks = append(toks, token{ws: ws.String(), text: word.String()})
				ws.Reset()
				word.Reset()
			}
			ws.WriteRune(r)
		} else {
			word.WriteRune(r)
		}
	}
	if word.Len() > 0 {
		toks = append(toks, token{ws: ws.String(), text: word.String()})
	}
	return toks
}

// Parse extracts the leading run of directives from text and returns the
// cleaned remainder. Matching is case-insensitive and stops at the first
// token that is not a recognised directive, so directives mentioned later
// in prose stay in the body. Value directives consume the following token;
// an invalid value drops the directive but still consumes both tokens.
// Repeated bool directives collapse into one. When stripping would leave
// an empty body the original text is returned unchanged.
func Parse(text string) (Directives, string) {
	var d Directives
	toks := tokenize(text)
	found := false

	i := 0
scan:
	for ; i < len(toks); i++ {
		switch strings.ToLower(toks[i].text) {
		case "/think":
			d.Think = true
		case "/verbose":
			d.Verbose = true
		case "/elevated":
			d.Elevated = true
		case "/json":
			d.JSON = true
		case "/notools":
			d.NoTools = true
		case "/raw":
			d.Raw = true
		case "/debug":
			d.Debug = true
		case "/model":
			if i+1 < len(toks) {
				d.Model = toks[i+1].text
				i++
			}
		case "/temp":
			if i+1 < len(toks) {
				if v, err := strconv.ParseFloat(toks[i+1].text, 64); err == nil && v > 0 && v <= 2 {
					d.Temp = v
					d.HasTemp = true
				}
				i++
			}
		case "/maxtokens":
			if i+1 < len(toks) {
				if v, err := strconv.Atoi(toks[i+1].text); err == nil && v > 0 {
					d.MaxTokens = v
				}
				i++
			}
		default:
			break scan
		}
		found = true
	}

	if !found {
		return d, text
	}

	var out strings.Builder
	for _, t := range toks[i:] {
		out.WriteString(t.ws)
		out.WriteString(t.text)
	}
	clean := strings.TrimSpace(out.String())
	if clean == "" {
		return d, text
	}
	return d, clean
}
