package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/provider"
)

// ---------------------------------------------------------------------------
// search — Brave Search API
// ---------------------------------------------------------------------------

func searchTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAllow,
		Spec: provider.ToolSpec{
			Name:        "search",
			Description: "Search the web using the Brave Search API. Returns a numbered list of results with title, URL, and snippet. Requires a Brave Search API key.",
			Properties: map[string]provider.ToolProp{
				"query": {Type: "string", Description: "Search query"},
				"count": {Type: "integer", Description: "Number of results to return (default: 5, max: 20)"},
			},
			Required: []string{"query"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			query, ok := input["query"].(string)
			if !ok || query == "" {
				return "", fmt.Errorf("query is required")
			}

			count := 5
			if v, ok := input["count"].(float64); ok && v > 0 {
				count = int(v)
				if count > 20 {
					count = 20
				}
			}

			var key string
			if tc != nil {
				key = tc.BraveAPIKey
			}
			return braveSearch(ctx, query, count, key)
		},
	}
}

// braveSearchHTTPClient is overridable in tests.
var braveSearchHTTPClient = &http.Client{Timeout: 15 * time.Second}

// braveSearchURL is the base URL for the Brave Search API. Override in tests.
var braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// getEnvFunc allows overriding os.Getenv in tests.
var getEnvFunc = os.Getenv

// braveSearch calls the Brave Search API and formats the results. The env
// var wins over the configured key.
func braveSearch(ctx context.Context, query string, count int, configKey string) (string, error) {
	apiKey := getEnvFunc("BRAVE_SEARCH_API_KEY")
	if apiKey == "" {
		apiKey = configKey
	}
	if apiKey == "" {
		return "", fmt.Errorf("BRAVE_SEARCH_API_KEY not set: set the environment variable or brave_api_key in config.json")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := braveSearchHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("Brave Search API error (HTTP %d): %s", resp.StatusCode, truncate(string(body), 500))
	}

	var result braveSearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	if len(result.Web.Results) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	for i, r := range result.Web.Results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// ---------------------------------------------------------------------------
// http_fetch — HTTP GET with HTML-to-text extraction
// ---------------------------------------------------------------------------

func httpFetchTool() ToolDef {
	return ToolDef{
		DefaultPolicy: domain.PolicyAllow,
		Spec: provider.ToolSpec{
			Name:        "http_fetch",
			Description: "Fetch a URL and return its text content. HTML is reduced to plain text. Output is truncated at 50KB.",
			Properties: map[string]provider.ToolProp{
				"url":       {Type: "string", Description: "URL to fetch (http or https)"},
				"max_bytes": {Type: "integer", Description: "Maximum number of bytes to return (default: 50KB)"},
			},
			Required: []string{"url"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			rawURL, ok := input["url"].(string)
			if !ok || rawURL == "" {
				return "", fmt.Errorf("url is required")
			}

			text, err := fetchAsText(ctx, rawURL)
			if err != nil {
				return "", err
			}

			if v, ok := input["max_bytes"].(float64); ok && v > 0 && len(text) > int(v) {
				text = text[:int(v)] + fmt.Sprintf("\n... (truncated at %d bytes)", int(v))
			}
			text = truncateOutput(text)

			// Successful fetches become candidate context; capture is best-effort.
			if tc != nil && tc.Store != nil {
				tc.Store.AddContextItem(tc.SessionID, domain.ContextWeb, rawURL, rawURL, false)
			}

			return text, nil
		},
	}
}

// webFetchHTTPClient is overridable in tests.
var webFetchHTTPClient = &http.Client{Timeout: 30 * time.Second}

// fetchAsText fetches a URL and returns readable text content.
func fetchAsText(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q (only http and https)", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "agentd/1.0 (agent server)")

	resp, err := webFetchHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, rawURL)
	}

	const maxRead = 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRead))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	content := string(data)
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "html") || strings.HasPrefix(strings.TrimSpace(content), "<") {
		content = htmlToText(strings.NewReader(content))
	}
	return content, nil
}

// blockTags start a new output line during HTML-to-text conversion.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "td": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "table": true, "blockquote": true, "pre": true,
	"section": true, "article": true, "header": true, "footer": true, "nav": true,
}

// htmlToText tokenizes HTML and keeps only rendered text, with block-level
// tags mapped to line breaks. script/style/noscript subtrees are dropped.
func htmlToText(r io.Reader) string {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// Includes io.EOF: emit what was collected.
			return collapseText(b.String())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch tag {
			case "script", "style", "noscript":
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
			default:
				if blockTags[tag] {
					b.WriteByte('\n')
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// collapseText normalizes extracted text: runs of whitespace inside a line
// collapse to one space, and runs of blank lines collapse to one.
func collapseText(s string) string {
	var out []string
	blank := true
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.Join(strings.Fields(ln), " ")
		if ln == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, ln)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
