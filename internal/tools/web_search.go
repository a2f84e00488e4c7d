package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSearchURL  = "https://api.tavily.com/search"
	defaultMaxResults = 5
	maxSnippetLength  = 500
)

// WebSearchTool implements web search using Tavily API
type WebSearchTool struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

// WebSearchArgs represents the arguments for web search
type WebSearchArgs struct {
	Query      string   `json:"query"`
	Site       string   `json:"site,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	Domains    []string `json:"include_domains,omitempty"`
}

// TavilyRequest represents a request to Tavily API
type TavilyRequest struct {
	APIKey            string   `json:"api_key"`
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth,omitempty"`
	IncludeAnswer     bool     `json:"include_answer,omitempty"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
}

// TavilyResponse represents a response from Tavily API
type TavilyResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Results []TavilyResult `json:"results"`
}

// TavilyResult represents a single search result
type TavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// NewWebSearchTool creates a new web search tool
func NewWebSearchTool(apiKey, apiURL string) *WebSearchTool {
	if apiURL == "" {
		apiURL = defaultSearchURL
	}
	return &WebSearchTool{
		apiKey: apiKey,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

func (t *WebSearchTool) Description() string {
	return `Search the web for current information.
Returns a short summary answer followed by the top results with title, URL and an excerpt.
Use fetch_url afterwards to read a result in full.`
}

func (t *WebSearchTool) Parameters() json.RawMessage {
	schema := `{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query. Be specific."
			},
			"site": {
				"type": "string",
				"description": "Restrict results to one site, e.g. 'go.dev'"
			},
			"max_results": {
				"type": "integer",
				"description": "Number of results to return (1-10)"
			},
			"include_domains": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Only return results from these domains"
			}
		},
		"required": ["query"]
	}`
	return json.RawMessage(schema)
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var searchArgs WebSearchArgs
	if err := json.Unmarshal(args, &searchArgs); err != nil {
		return ToolResult{
			Content: fmt.Sprintf("Failed to parse search arguments: %v", err),
			IsError: true,
		}, nil
	}
	if strings.TrimSpace(searchArgs.Query) == "" {
		return ToolResult{Content: "Search query must not be empty", IsError: true}, nil
	}

	results, err := t.search(ctx, searchArgs)
	if err != nil {
		return ToolResult{
			Content: fmt.Sprintf("Search failed: %v", err),
			IsError: true,
		}, nil
	}

	return ToolResult{
		Content: t.formatResults(results),
		IsError: false,
	}, nil
}

func (t *WebSearchTool) buildQuery(args WebSearchArgs) string {
	query := strings.TrimSpace(args.Query)
	if site := strings.TrimSpace(args.Site); site != "" {
		query = fmt.Sprintf("site:%s %s", site, query)
	}
	return query
}

func maxResults(n int) int {
	switch {
	case n <= 0:
		return defaultMaxResults
	case n > 10:
		return 10
	}
	return n
}

func (t *WebSearchTool) search(ctx context.Context, args WebSearchArgs) (*TavilyResponse, error) {
	request := TavilyRequest{
		APIKey:         t.apiKey,
		Query:          t.buildQuery(args),
		SearchDepth:    "basic",
		IncludeAnswer:  true,
		MaxResults:     maxResults(args.MaxResults),
		IncludeDomains: args.Domains,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var tavilyResp TavilyResponse
	if err := json.Unmarshal(body, &tavilyResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &tavilyResp, nil
}

func (t *WebSearchTool) formatResults(resp *TavilyResponse) string {
	var result strings.Builder

	fmt.Fprintf(&result, "Search Query: %s\n\n", resp.Query)

	if resp.Answer != "" {
		fmt.Fprintf(&result, "Summary: %s\n\n", resp.Answer)
	}

	if len(resp.Results) == 0 {
		result.WriteString("No results found.\n")
		return result.String()
	}

	result.WriteString("Search Results:\n")
	for i, r := range resp.Results {
		fmt.Fprintf(&result, "\n%d. %s\n", i+1, r.Title)
		fmt.Fprintf(&result, "   URL: %s\n", r.URL)
		content := r.Content
		if len(content) > maxSnippetLength {
			content = content[:maxSnippetLength] + "..."
		}
		fmt.Fprintf(&result, "   Content: %s\n", content)
	}

	return result.String()
}
