package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

type braveBackend struct {
	apiKey string
	client *http.Client
}

func newBraveBackend(apiKey string) *braveBackend {
	return &braveBackend{
		apiKey: apiKey,
		client: &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (b *braveBackend) Name() string { return "brave" }

type braveWebResults struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *braveBackend) Lookup(ctx context.Context, q searchQuery) ([]searchHit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+braveParams(q).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var parsed braveWebResults
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]searchHit, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		hits = append(hits, searchHit{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return hits, nil
}

func braveParams(q searchQuery) url.Values {
	v := url.Values{}
	v.Set("q", q.Text)
	v.Set("count", strconv.Itoa(q.Count))
	if q.Country != "" {
		v.Set("country", q.Country)
	}
	if q.SearchLang != "" {
		v.Set("search_lang", q.SearchLang)
	}
	if q.UILang != "" {
		v.Set("ui_lang", q.UILang)
	}
	if f := normalizeFreshness(q.Freshness); f != "" {
		v.Set("freshness", f)
	}
	return v
}

// Brave accepts the pd/pw/pm/py shortcuts or a bounded date range; anything
// else is dropped rather than forwarded.
var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}
