package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultFetchCacheSize = 128
	defaultFetchCacheTTL  = 15 * time.Minute
	maxFetchBodyBytes     = 2 << 20
	maxFetchTextLength    = 15000
)

type fetchEntry struct {
	content  string
	storedAt time.Time
}

// FetchURLTool downloads a web page and returns its readable text.
// Pages are cached per URL for a short TTL.
type FetchURLTool struct {
	httpClient *http.Client
	cache      *lru.Cache[string, fetchEntry]
	ttl        time.Duration
	now        func() time.Time
}

// FetchURLArgs represents the arguments for fetch_url
type FetchURLArgs struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

// NewFetchURLTool creates a fetch_url tool with an LRU page cache.
func NewFetchURLTool(cacheSize int, ttl time.Duration) *FetchURLTool {
	if cacheSize <= 0 {
		cacheSize = defaultFetchCacheSize
	}
	if ttl <= 0 {
		ttl = defaultFetchCacheTTL
	}
	// lru.New only errors on non-positive size which is guarded above.
	cache, _ := lru.New[string, fetchEntry](cacheSize)
	return &FetchURLTool{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (t *FetchURLTool) Name() string {
	return "fetch_url"
}

func (t *FetchURLTool) Description() string {
	return `Fetch a web page over http(s) and return its readable text.
Scripts, styles and navigation are removed; headings, paragraphs and list items are kept.
Results are cached for 15 minutes.`
}

func (t *FetchURLTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "Full URL to fetch (http/https)"
			},
			"selector": {
				"type": "string",
				"description": "CSS selector limiting extraction to part of the page"
			}
		},
		"required": ["url"]
	}`)
}

func (t *FetchURLTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var fetchArgs FetchURLArgs
	if err := json.Unmarshal(args, &fetchArgs); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to parse fetch arguments: %v", err), IsError: true}, nil
	}

	target, err := neturl.Parse(strings.TrimSpace(fetchArgs.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return ToolResult{Content: fmt.Sprintf("Invalid URL %q: only http and https are supported", fetchArgs.URL), IsError: true}, nil
	}

	key := target.String() + "#" + fetchArgs.Selector
	if entry, ok := t.cache.Get(key); ok && t.now().Sub(entry.storedAt) < t.ttl {
		return ToolResult{Content: entry.content}, nil
	}

	content, err := t.fetch(ctx, target.String(), fetchArgs.Selector)
	if err != nil {
		return ToolResult{}, err
	}
	t.cache.Add(key, fetchEntry{content: content, storedAt: t.now()})
	return ToolResult{Content: content}, nil
}

func (t *FetchURLTool) fetch(ctx context.Context, url, selector string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "agent-orchestrator/1.0 (fetch_url)")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body := io.LimitReader(resp.Body, maxFetchBodyBytes)
	if !strings.Contains(resp.Header.Get("Content-Type"), "html") && resp.Header.Get("Content-Type") != "" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		return truncateText(string(raw)), nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	return htmlToText(doc, selector), nil
}

// htmlToText renders a document as markdown-like text.
func htmlToText(doc *goquery.Document, selector string) string {
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}

	root := doc.Selection
	if selector != "" {
		root = doc.Find(selector)
	}

	root.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			content.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " " + text + "\n\n")
		case "li":
			content.WriteString("- " + text + "\n")
		default:
			content.WriteString(text + "\n\n")
		}
	})

	return truncateText(strings.TrimSpace(content.String()))
}

func truncateText(s string) string {
	if len(s) > maxFetchTextLength {
		return s[:maxFetchTextLength] + "\n\n[Content truncated...]"
	}
	return s
}
