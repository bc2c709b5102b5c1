package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// duckDuckGoBackend scrapes the HTML endpoint; it needs no API key and
// serves as the fallback when Brave is not configured.
type duckDuckGoBackend struct {
	client *http.Client
}

func newDuckDuckGoBackend() *duckDuckGoBackend {
	return &duckDuckGoBackend{
		client: &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (b *duckDuckGoBackend) Name() string { return "duckduckgo" }

func (b *duckDuckGoBackend) Lookup(ctx context.Context, q searchQuery) ([]searchHit, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(q.Text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return scrapeDDGPage(string(page), q.Count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func scrapeDDGPage(page string, count int) []searchHit {
	links := ddgLinkRe.FindAllStringSubmatch(page, count+5)
	if len(links) == 0 {
		return nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, count+5)

	var hits []searchHit
	for i := 0; i < len(links) && i < count; i++ {
		hit := searchHit{
			URL:   unwrapDDGRedirect(links[i][1]),
			Title: strings.TrimSpace(htmlTagRe.ReplaceAllString(links[i][2], "")),
		}
		if i < len(snippets) {
			hit.Snippet = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		hits = append(hits, hit)
	}
	return hits
}

// unwrapDDGRedirect pulls the real destination out of DDG's redirect URL,
// which carries it percent-encoded in the uddg query param.
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return raw
	}
	dest := u[idx+5:]
	if amp := strings.Index(dest, "&"); amp != -1 {
		dest = dest[:amp]
	}
	return dest
}
