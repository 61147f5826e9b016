package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ctf-agent/internal/config"
	"github.com/nugget/ctf-agent/internal/httpkit"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
	braveEndpoint        = "https://api.search.brave.com/res/v1/web/search"
)

// SearchResult is a single web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchProvider is a web search backend.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// WebSearch looks up public write-ups, advisories and exploit notes.
type WebSearch struct {
	provider   SearchProvider
	maxResults int
	logger     *slog.Logger
}

// NewWebSearch creates the web_search tool backend for the configured
// provider.
func NewWebSearch(cfg config.SearchToolConfig, logger *slog.Logger) (*WebSearch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := httpkit.NewClient(httpkit.WithTimeout(15*time.Second), httpkit.WithLogger(logger))

	var p SearchProvider
	switch cfg.Provider {
	case "searxng", "":
		p = &SearXNG{baseURL: strings.TrimRight(cfg.URL, "/"), client: client}
	case "brave":
		p = &Brave{endpoint: braveEndpoint, apiKey: cfg.APIKey, client: client}
	default:
		return nil, fmt.Errorf("web_search: unsupported provider %q", cfg.Provider)
	}
	return newWebSearch(p, cfg.MaxResults, logger), nil
}

func newWebSearch(p SearchProvider, maxResults int, logger *slog.Logger) *WebSearch {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResults <= 0 || maxResults > maxSearchResults {
		maxResults = defaultSearchResults
	}
	return &WebSearch{provider: p, maxResults: maxResults, logger: logger}
}

// Tool returns the web_search tool definition.
func (w *WebSearch) Tool() *Tool {
	return &Tool{
		Name:        "web_search",
		Description: "Search the web for public write-ups, CVE advisories, exploit techniques and documentation. Returns titles, URLs and snippets.",
		Category:    CategoryResearch,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
				"count": map[string]any{"type": "integer", "description": fmt.Sprintf("Maximum results (1-%d, default %d)", maxSearchResults, w.maxResults)},
			},
			"required": []string{"query"},
		},
		Handler: w.handle,
	}
}

type searchOutput struct {
	Query    string         `json:"query"`
	Provider string         `json:"provider"`
	Results  []SearchResult `json:"results"`
}

func (w *WebSearch) handle(ctx context.Context, args map[string]any) (string, error) {
	query, err := stringArg("web_search", args, "query")
	if err != nil {
		return "", err
	}
	count := optionalInt(args, "count", w.maxResults)
	if count <= 0 || count > maxSearchResults {
		count = w.maxResults
	}

	results, err := w.provider.Search(ctx, query, count)
	if err != nil {
		return "", fmt.Errorf("web_search: %w", err)
	}
	if len(results) > count {
		results = results[:count]
	}
	w.logger.Debug("web search", "provider", w.provider.Name(), "query", query, "results", len(results))

	out, err := json.MarshalIndent(searchOutput{Query: query, Provider: w.provider.Name(), Results: results}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SearXNG queries a SearXNG instance's JSON API.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

func (s *SearXNG) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *SearXNG) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	var sr searxngResponse
	if err := getJSON(ctx, s.client, s.baseURL+"/search?"+params.Encode(), nil, &sr); err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	results := make([]SearchResult, 0, count)
	for _, r := range sr.Results {
		if len(results) == count {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

// Brave queries the Brave Search API.
type Brave struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	params := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	var br braveResponse
	headers := map[string]string{"X-Subscription-Token": b.apiKey}
	if err := getJSON(ctx, b.client, b.endpoint+"?"+params.Encode(), headers, &br); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}
	results := make([]SearchResult, 0, len(br.Web.Results))
	for _, r := range br.Web.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
