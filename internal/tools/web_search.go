package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultSearchCount   = 5
	maxSearchCount       = 10
	searchTimeoutSeconds = 30
	webSearchUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// searchBackend is one web search engine. Backends are tried in order and
// the first one that answers wins.
type searchBackend interface {
	Name() string
	Lookup(ctx context.Context, q searchQuery) ([]searchHit, error)
}

type searchQuery struct {
	Text       string
	Count      int
	Country    string
	SearchLang string
	UILang     string
	Freshness  string
}

// cacheKey folds every query dimension in, so a German-language search
// never serves a cached English one.
func (q searchQuery) cacheKey() string {
	dims := []string{q.Country, q.SearchLang, q.UILang, q.Freshness}
	for i, d := range dims {
		if d == "" {
			dims[i] = "default"
		}
	}
	return fmt.Sprintf("%s:%d:%s", q.Text, q.Count, strings.Join(dims, ":"))
}

type searchHit struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearchTool searches the web through the configured backends. Results
// are cached briefly to absorb repeat queries within a conversation.
type WebSearchTool struct {
	backends []searchBackend
	cache    *webCache
}

// WebSearchConfig holds configuration for the web search tool.
type WebSearchConfig struct {
	BraveAPIKey     string
	BraveEnabled    bool
	BraveMaxResults int
	DDGEnabled      bool
	DDGMaxResults   int
	CacheTTL        time.Duration
}

// NewWebSearchTool returns nil when no backend is usable; callers skip
// registration in that case.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	var backends []searchBackend
	if cfg.BraveEnabled && cfg.BraveAPIKey != "" {
		backends = append(backends, newBraveBackend(cfg.BraveAPIKey))
	}
	if cfg.DDGEnabled {
		// Keyless fallback.
		backends = append(backends, newDuckDuckGoBackend())
	}
	if len(backends) == 0 {
		return nil
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &WebSearchTool{
		backends: backends,
		cache:    newWebCache(defaultCacheMaxEntries, ttl),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets from search results."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
			"country": map[string]interface{}{
				"type":        "string",
				"description": "2-letter country code for region-specific results (e.g., 'DE', 'US', 'ALL'). Default: 'US'.",
			},
			"search_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for search results (e.g., 'de', 'en', 'fr').",
			},
			"ui_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for UI elements.",
			},
			"freshness": map[string]interface{}{
				"type":        "string",
				"description": "Filter results by discovery time. Supports 'pd' (past day), 'pw' (past week), 'pm' (past month), 'py' (past year), and date range 'YYYY-MM-DDtoYYYY-MM-DD'.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	q := queryFromArgs(args)
	if q.Text == "" {
		return ErrorResult("query is required")
	}

	key := q.cacheKey()
	if cached, ok := t.cache.get(key); ok {
		slog.Debug("web_search cache hit", "query", q.Text)
		return NewResult(cached)
	}

	var lastErr error
	for _, b := range t.backends {
		hits, err := b.Lookup(ctx, q)
		if err != nil {
			slog.Warn("web_search backend failed", "backend", b.Name(), "error", err)
			lastErr = err
			continue
		}
		out := wrapExternalContent(renderSearchHits(q.Text, hits, b.Name()), "Web Search", false)
		t.cache.set(key, out)
		return NewResult(out)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
	}
	return ErrorResult("no search providers configured")
}

func queryFromArgs(args map[string]interface{}) searchQuery {
	q := searchQuery{Count: defaultSearchCount}
	q.Text, _ = args["query"].(string)
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		q.Count = int(c)
	}
	q.Country, _ = args["country"].(string)
	q.SearchLang, _ = args["search_lang"].(string)
	q.UILang, _ = args["ui_lang"].(string)
	q.Freshness, _ = args["freshness"].(string)
	return q
}

func renderSearchHits(query string, hits []searchHit, backend string) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, backend)
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", h.Snippet)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
