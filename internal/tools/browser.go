package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	browserActionTimeout = 30 * time.Second
	browserTextMaxChars  = 20000
)

// BrowserTool drives a headless Chrome through rod. The browser launches
// lazily on the first call and stays up between calls, so navigate/click/type
// sequences act on the same page. Close tears it down at gateway shutdown.
type BrowserTool struct {
	mu            sync.Mutex
	launch        *launcher.Launcher
	browser       *rod.Browser
	page          *rod.Page
	headless      bool
	screenshotDir string
	log           *slog.Logger
}

func NewBrowserTool(headless bool, screenshotDir string) *BrowserTool {
	return &BrowserTool{
		headless:      headless,
		screenshotDir: screenshotDir,
		log:           slog.Default().With("component", "browser"),
	}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Control a headless browser: navigate, read text or HTML, click, type, screenshot. State persists between calls"
}
func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"navigate", "text", "html", "click", "type", "screenshot"},
				"description": "What to do",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "navigate: the URL to open",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector (text: optional, click/type: required)",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "type: the text to enter",
			},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	page, err := t.ensurePage(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser unavailable: %v", err))
	}
	page = page.Context(ctx).Timeout(browserActionTimeout)

	switch action {
	case "navigate":
		url, _ := args["url"].(string)
		if url == "" {
			return ErrorResult("url is required for navigate")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "https://" + url
		}
		if err := page.Navigate(url); err != nil {
			return ErrorResult(fmt.Sprintf("navigate failed: %v", err))
		}
		if err := page.WaitLoad(); err != nil {
			return ErrorResult(fmt.Sprintf("page did not finish loading: %v", err))
		}
		info, err := page.Info()
		if err != nil {
			return NewResult(fmt.Sprintf("Loaded %s", url))
		}
		return NewResult(fmt.Sprintf("Loaded %q (%s)", info.Title, info.URL))

	case "text":
		selector, _ := args["selector"].(string)
		if selector == "" {
			selector = "body"
		}
		el, err := page.Element(selector)
		if err != nil {
			return ErrorResult(fmt.Sprintf("element %q not found: %v", selector, err))
		}
		text, err := el.Text()
		if err != nil {
			return ErrorResult(fmt.Sprintf("cannot read element text: %v", err))
		}
		if len(text) > browserTextMaxChars {
			text = cutRunes(text, browserTextMaxChars) + "\n[... page text truncated]"
		}
		return SilentResult(text)

	case "html":
		html, err := page.HTML()
		if err != nil {
			return ErrorResult(fmt.Sprintf("cannot read page HTML: %v", err))
		}
		return SilentResult(html)

	case "click":
		selector, _ := args["selector"].(string)
		if selector == "" {
			return ErrorResult("selector is required for click")
		}
		el, err := page.Element(selector)
		if err != nil {
			return ErrorResult(fmt.Sprintf("element %q not found: %v", selector, err))
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return ErrorResult(fmt.Sprintf("click failed: %v", err))
		}
		return NewResult(fmt.Sprintf("Clicked %s", selector))

	case "type":
		selector, _ := args["selector"].(string)
		text, _ := args["text"].(string)
		if selector == "" || text == "" {
			return ErrorResult("selector and text are required for type")
		}
		el, err := page.Element(selector)
		if err != nil {
			return ErrorResult(fmt.Sprintf("element %q not found: %v", selector, err))
		}
		if err := el.Input(text); err != nil {
			return ErrorResult(fmt.Sprintf("input failed: %v", err))
		}
		return NewResult(fmt.Sprintf("Typed into %s", selector))

	case "screenshot":
		data, err := page.Screenshot(false, nil)
		if err != nil {
			return ErrorResult(fmt.Sprintf("screenshot failed: %v", err))
		}
		if err := os.MkdirAll(t.screenshotDir, 0o755); err != nil {
			return ErrorResult(fmt.Sprintf("cannot create screenshot dir: %v", err))
		}
		path := filepath.Join(t.screenshotDir, fmt.Sprintf("screenshot-%d.png", time.Now().UnixMilli()))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ErrorResult(fmt.Sprintf("cannot save screenshot: %v", err))
		}
		return NewResult(fmt.Sprintf("Screenshot saved to %s", path))

	default:
		return ErrorResult("action must be one of navigate, text, html, click, type, screenshot")
	}
}

// ensurePage lazily launches Chrome and opens the shared page.
func (t *BrowserTool) ensurePage(ctx context.Context) (*rod.Page, error) {
	if t.page != nil {
		return t.page, nil
	}
	if t.browser == nil {
		l := launcher.New().Headless(t.headless)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			l.Cleanup()
			return nil, fmt.Errorf("connect to chrome: %w", err)
		}
		t.launch, t.browser = l, b
		t.log.Info("browser launched", "headless", t.headless)
	}
	page, err := t.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	t.page = page
	return page, nil
}

// Close shuts the shared browser down. Safe to call when it never launched.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		if err := t.browser.Close(); err != nil {
			t.log.Warn("browser close", "error", err)
		}
		t.browser = nil
		t.page = nil
	}
	if t.launch != nil {
		t.launch.Cleanup()
		t.launch = nil
	}
}
