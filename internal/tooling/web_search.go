package tooling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const searchEndpoint = "https://lite.duckduckgo.com/lite/"

// WebSearchTool queries DuckDuckGo Lite and returns parsed results. Lite
// serves plain HTML tables, which keeps the parse stable and cheap.
type WebSearchTool struct {
	client   *http.Client
	endpoint string
	maxBytes int64
}

func NewWebSearchTool(timeout time.Duration) *WebSearchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebSearchTool{
		client:   &http.Client{Timeout: timeout},
		endpoint: searchEndpoint,
		maxBytes: 2 << 20, // 2MB
	}
}

func (*WebSearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "web_search",
			Description: "Search the web for information about a topic",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"num_results": map[string]any{
						"type":        "integer",
						"description": "Number of results to return (default: 5)",
					},
					"include_snippets": map[string]any{
						"type":        "boolean",
						"description": "Whether to include text snippets from the pages (default: true)",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

func (t *WebSearchTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	query, ok := stringArg(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return "", errors.New("query is required")
	}
	query = strings.TrimSpace(query)
	numResults := intArg(args, "num_results", 5)
	if numResults <= 0 {
		numResults = 5
	}
	includeSnippets := boolArg(args, "include_snippets", true)

	results, err := t.fetch(ctx, query, numResults, includeSnippets)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Search failures go back to the model in-band so it can adjust
		// the query instead of aborting the step.
		payload := map[string]any{
			"error":   fmt.Sprintf("Search failed: %v", err),
			"query":   query,
			"results": []searchResult{},
		}
		data, merr := jsonMarshalNoEscape(payload)
		if merr != nil {
			return "", merr
		}
		return string(data), nil
	}

	payload := map[string]any{
		"query":         query,
		"results":       results,
		"total_results": len(results),
	}
	data, err := jsonMarshalNoEscape(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *WebSearchTool) fetch(ctx context.Context, query string, numResults int, includeSnippets bool) ([]searchResult, error) {
	searchURL := t.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Gofer/1.0 (+https://github.com/gofer-agent/gofer)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	limited := &io.LimitedReader{R: resp.Body, N: t.maxBytes}
	doc, err := goquery.NewDocumentFromReader(limited)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	results := make([]searchResult, 0, numResults)
	doc.Find("a.result-link").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if len(results) >= numResults {
			return false
		}
		title := normalizeWhitespace(link.Text())
		href := link.AttrOr("href", "")
		target := resolveRedirect(href)
		if title == "" || target == "" {
			return true
		}
		result := searchResult{Title: title, URL: target}
		if includeSnippets {
			// Lite lays each result out as consecutive table rows: the
			// link row is followed by a result-snippet row.
			row := link.Closest("tr")
			snippet := normalizeWhitespace(row.Next().Find("td.result-snippet").Text())
			if snippet == "" {
				snippet = normalizeWhitespace(row.Parent().Find("td.result-snippet").Eq(len(results)).Text())
			}
			result.Snippet = snippet
		}
		results = append(results, result)
		return true
	})
	return results, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links to the real
// target URL. Plain links pass through unchanged.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.Contains(parsed.Path, "/l/") {
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return href
}
