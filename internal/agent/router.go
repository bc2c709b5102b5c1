package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

// Complexity picks the model tier for a turn: SIMPLE routes go to the cheap
// model, COMPLEX routes to the primary chain.
type Complexity string

const (
	Simple  Complexity = "SIMPLE"
	Complex Complexity = "COMPLEX"
)

// Profile selects the system-prompt flavor block.
type Profile string

const (
	ProfileCoding   Profile = "CODING"
	ProfileChat     Profile = "CHAT"
	ProfileResearch Profile = "RESEARCH"
	ProfileGeneral  Profile = "GENERAL"
)

// Route is the classifier's verdict for one inbound message.
type Route struct {
	Complexity Complexity
	Profile    Profile
}

// immediateActionWords force COMPLEX regardless of length: the user is asking
// for something to happen, not for prose. Multilingual (EN/ID/MS/TH/ZH).
var immediateActionWords = []string{
	// English
	"run", "execute", "deploy", "restart", "reboot", "kill", "stop",
	"delete", "remove", "install", "download", "upload", "build",
	"remind", "schedule", "cancel", "create", "update", "fix",
	// Indonesian / Malay
	"jalankan", "eksekusi", "hapus", "pasang", "unduh", "buat",
	"ingatkan", "jadwalkan", "batalkan", "perbaiki", "mulai", "hentikan",
	// Thai
	"รัน", "ลบ", "ติดตั้ง", "เตือน", "สร้าง",
	// Chinese
	"运行", "执行", "删除", "安装", "下载", "提醒", "创建", "重启",
}

// codingMarkers indicate source code or error output in the message.
var codingMarkers = []string{
	"```", "panic:", "traceback", "exception", "stack trace", "stacktrace",
	"segfault", "undefined reference", "syntax error", "compile error",
	"error:", "warning:", "#!/", "func ", "def ", "class ", "import ",
	"package ", "SELECT ", "INSERT ", "=> ", "->", "npm ", "go mod",
}

// researchVerbs paired with an interrogative suggest an information-seeking
// turn that benefits from search-style prompting.
var researchVerbs = []string{
	"search", "find", "look up", "lookup", "research", "compare",
	"investigate", "latest", "news", "current", "recent",
	"cari", "carikan", "bandingkan", "terbaru", "berita",
	"ค้นหา", "ข่าว",
	"搜索", "查找", "最新", "新闻",
}

var interrogatives = []string{
	"what", "who", "when", "where", "why", "how", "which",
	"apa", "siapa", "kapan", "dimana", "di mana", "mengapa", "kenapa", "bagaimana",
	"อะไร", "ใคร", "เมื่อไหร่", "ที่ไหน", "ทำไม", "อย่างไร",
	"什么", "谁", "何时", "哪里", "为什么", "怎么",
}

// socialPhrases are short pleasantries that never need the big model.
var socialPhrases = []string{
	"hi", "hello", "hey", "yo", "thanks", "thank you", "thx", "ty",
	"good morning", "good night", "goodnight", "bye", "goodbye", "ok", "okay",
	"lol", "haha", "nice", "cool", "great",
	"halo", "hai", "makasih", "terima kasih", "selamat pagi", "selamat malam",
	"สวัสดี", "ขอบคุณ",
	"你好", "谢谢", "早上好", "晚安",
}

const (
	complexCharThreshold = 400
	complexWordThreshold = 80
)

const routerTimeout = 10 * time.Second

const routerInstruction = `Classify the user message into exactly one category. Respond with a single token and nothing else: SIMPLE_CHAT, SIMPLE_GENERAL, COMPLEX_GENERAL, COMPLEX_CODING, or COMPLEX_RESEARCH. SIMPLE means a short direct reply with no tools suffices; COMPLEX means the answer needs tools, several steps, or careful reasoning. CHAT is social small talk, CODING is source code or error output, RESEARCH is an information lookup.`

// Router classifies messages with a one-shot low-temperature provider call,
// falling back to the lexical Classify heuristic when the call fails or
// answers off the menu.
type Router struct {
	provider providers.Provider
	model    string
	log      *slog.Logger
}

// NewRouter builds a router over the given provider; model may be empty to
// use the provider default.
func NewRouter(p providers.Provider, model string) *Router {
	return &Router{
		provider: p,
		model:    model,
		log:      slog.Default().With("component", "router"),
	}
}

// Route returns the verdict for one message. Media and the immediate-action
// lexicon force COMPLEX regardless of what the model says; everything else
// defers to the one-shot call, heuristic on failure.
func (r *Router) Route(ctx context.Context, text string, hasMedia bool) Route {
	lexical := Classify(text, hasMedia)
	if hasMedia || containsWord(strings.ToLower(strings.TrimSpace(text)), immediateActionWords) {
		return lexical
	}
	if r == nil || r.provider == nil {
		return lexical
	}
	llm, err := r.oneShot(ctx, text)
	if err != nil {
		r.log.Debug("classification call failed, using lexical verdict", "error", err)
		return lexical
	}
	return llm
}

func (r *Router) oneShot(ctx context.Context, text string) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, routerTimeout)
	defer cancel()

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Model: r.model,
		Messages: []providers.Message{
			{Role: "system", Content: routerInstruction},
			{Role: "user", Content: text},
		},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   16,
			providers.OptTemperature: 0.0,
		},
	})
	if err != nil {
		return Route{}, fmt.Errorf("router call: %w", err)
	}
	return parseRouteToken(resp.Content)
}

// parseRouteToken reads the category token, tolerating quotes, fences, and
// trailing prose on the first line.
func parseRouteToken(content string) (Route, error) {
	tok := strings.ToUpper(strings.TrimSpace(content))
	tok = strings.Trim(tok, "\"'`.")
	if i := strings.IndexFunc(tok, unicode.IsSpace); i > 0 {
		tok = tok[:i]
	}
	comp, prof, ok := strings.Cut(tok, "_")
	if !ok {
		return Route{}, fmt.Errorf("router returned %q", content)
	}
	var route Route
	switch comp {
	case "SIMPLE":
		route.Complexity = Simple
	case "COMPLEX":
		route.Complexity = Complex
	default:
		return Route{}, fmt.Errorf("router returned %q", content)
	}
	switch prof {
	case "CHAT":
		route.Profile = ProfileChat
	case "GENERAL":
		route.Profile = ProfileGeneral
	case "CODING":
		route.Profile = ProfileCoding
	case "RESEARCH":
		route.Profile = ProfileResearch
	default:
		return Route{}, fmt.Errorf("router returned %q", content)
	}
	return route, nil
}

// Classify routes a message to a complexity tier and prompt profile with
// lexical heuristics only: no provider calls, no clock, no state. It is the
// Router's fallback and the direct classifier for merged buffered turns.
func Classify(text string, hasMedia bool) Route {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	words := countWords(trimmed)

	profile := classifyProfile(lower)

	// Imperative verbs mean a side effect is wanted; the cheap model skips
	// tools too eagerly for these.
	if containsWord(lower, immediateActionWords) {
		return Route{Complexity: Complex, Profile: profile}
	}

	if hasMedia {
		return Route{Complexity: Complex, Profile: profile}
	}

	if profile == ProfileCoding {
		return Route{Complexity: Complex, Profile: ProfileCoding}
	}

	if len(trimmed) > complexCharThreshold || words > complexWordThreshold {
		return Route{Complexity: Complex, Profile: profile}
	}

	if profile == ProfileChat {
		return Route{Complexity: Simple, Profile: ProfileChat}
	}

	if profile == ProfileResearch {
		return Route{Complexity: Complex, Profile: ProfileResearch}
	}

	return Route{Complexity: Simple, Profile: profile}
}

func classifyProfile(lower string) Profile {
	for _, m := range codingMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return ProfileCoding
		}
	}

	if isSocial(lower) {
		return ProfileChat
	}

	hasInterrogative := containsWord(lower, interrogatives) || strings.Contains(lower, "?")
	if hasInterrogative {
		for _, v := range researchVerbs {
			if strings.Contains(lower, v) {
				return ProfileResearch
			}
		}
	}

	return ProfileGeneral
}

// isSocial reports whether the message is a short greeting or pleasantry.
func isSocial(lower string) bool {
	if countWords(lower) > 6 {
		return false
	}
	stripped := strings.TrimRight(lower, "!.?~ ")
	for _, p := range socialPhrases {
		if stripped == p || strings.HasPrefix(stripped, p+" ") || strings.HasPrefix(stripped, p+",") {
			return true
		}
	}
	return false
}

// containsWord matches any of the needles at word boundaries, so "run" does
// not match inside "running shoes brand".
func containsWord(lower string, needles []string) bool {
	for _, n := range needles {
		idx := 0
		for {
			i := strings.Index(lower[idx:], n)
			if i < 0 {
				break
			}
			start := idx + i
			end := start + len(n)
			beforeOK := start == 0 || !isWordRune(rune(lower[start-1]))
			afterOK := end >= len(lower) || !isWordRune(rune(lower[end]))
			// Non-ASCII needles (CJK, Thai) have no word boundaries.
			if !isASCIIWord(n) || (beforeOK && afterOK) {
				return true
			}
			idx = end
		}
	}
	return false
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// confirmationTokens are short affirmative replies in the supported
// languages. When the previous assistant turn offered an action, one of
// these elevates the turn to COMPLEX so the offer actually executes.
var confirmationTokens = []string{
	"yes", "yes please", "yep", "yeah", "sure", "ok", "okay", "do it",
	"go ahead", "please do", "sounds good", "confirm", "proceed",
	"ya", "iya", "boleh", "silakan", "lanjut", "lanjutkan", "gas", "oke", "yoi",
	"ใช่", "ได้", "ตกลง",
	"好", "好的", "可以", "确认", "继续",
}

// IsConfirmation reports whether text is a bare affirmative reply.
func IsConfirmation(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.TrimRight(lower, "!.。~ ")
	if lower == "" || countWords(lower) > 3 {
		return false
	}
	for _, tok := range confirmationTokens {
		if lower == tok {
			return true
		}
	}
	return false
}

// offerMarkers suggest the assistant's last turn proposed an action the user
// could confirm.
var offerMarkers = []string{
	"should i", "shall i", "want me to", "would you like", "do you want",
	"can i go ahead", "confirm", "proceed?",
	"mau saya", "perlu saya", "apakah saya", "boleh saya", "lanjutkan?",
	"要我", "需要我", "可以吗",
}

// OffersAction reports whether an assistant message reads like an offer
// awaiting user confirmation.
func OffersAction(text string) bool {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "?") {
		return false
	}
	for _, m := range offerMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
