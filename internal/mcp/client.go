package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/tools"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2025-03-26"

const (
	sessionHeader  = "Mcp-Session-Id"
	versionHeader  = "Mcp-Protocol-Version"
	defaultTimeout = 30 * time.Second
	maxListPages   = 50
)

// ErrNotInitialized is returned when calling a server before Initialize.
var ErrNotInitialized = errors.New("mcp client not initialized")

// ServerConfig describes one remote tool server reachable over streamable HTTP.
type ServerConfig struct {
	ID       string            `yaml:"id" json:"id"`
	URL      string            `yaml:"url" json:"url"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Disabled bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ServerInfo is the server identity reported by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type listToolsResult struct {
	Tools      []tools.Descriptor `json:"tools"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// Client is an MCP client over the streamable HTTP transport. Responses may
// arrive as a JSON body or as a server-sent event stream.
type Client struct {
	cfg        ServerConfig
	httpClient *http.Client
	idGen      IDGenerator
	logger     *log.Logger

	mu          sync.RWMutex
	sessionID   string
	initialized bool
	serverInfo  ServerInfo
}

// NewClient creates a client for one server.
func NewClient(cfg ServerConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.NewComponentLogger("mcp." + cfg.ID),
	}
}

// ID returns the server id.
func (c *Client) ID() string {
	return c.cfg.ID
}

// ServerInfo returns the identity reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Initialize performs the initialize handshake and sends the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agent-orchestrator",
			"version": "0.1.0",
		},
	}

	var result initializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Protocol version mismatch: client=%s, server=%s", ProtocolVersion, result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.logger.Warn("Failed to send initialized notification: %v", err)
	}
	c.logger.Info("Initialized with server %s %s", result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// ListTools fetches every page of the server's tool listing.
func (c *Client) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	if !c.isInitialized() {
		return nil, ErrNotInitialized
	}

	var (
		all    []tools.Descriptor
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params map[string]any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var result listToolsResult
		if err := c.call(ctx, "tools/list", params, &result); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			c.logger.Debug("Retrieved %d tools", len(all))
			return all, nil
		}
		cursor = result.NextCursor
	}
	return nil, fmt.Errorf("tools/list: more than %d pages", maxListPages)
}

// CallTool invokes a tool. A tool level failure is reported through
// StructuredResult.IsError, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*tools.StructuredResult, error) {
	if !c.isInitialized() {
		return nil, ErrNotInitialized
	}
	if args == nil {
		args = map[string]any{}
	}

	var result tools.StructuredResult
	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// Close terminates the session on the server, if one was assigned.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.initialized = false
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sessionID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// call sends a request and decodes the matching response result into out.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	id := c.idGen.Next()
	resp, err := c.post(ctx, NewRequest(id, method, params))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if method == "initialize" {
		if sid := resp.Header.Get(sessionHeader); sid != "" {
			c.mu.Lock()
			c.sessionID = sid
			c.mu.Unlock()
		}
	}

	rpcResp, err := readResponse(resp, id)
	if err != nil {
		return err
	}
	if rpcResp.IsError() {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	resp, err := c.post(ctx, NewNotification(method, nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg *Request) (*http.Response, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	c.mu.RLock()
	sessionID, initialized := c.sessionID, c.initialized
	c.mu.RUnlock()
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	if initialized {
		req.Header.Set(versionHeader, ProtocolVersion)
	}

	c.logger.Debug("Sending %s", msg.Method)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg.Method, err)
	}
	return resp, nil
}

// readResponse extracts the response with the given id from a JSON body or
// an event stream.
func readResponse(resp *http.Response, id int64) (*Response, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return UnmarshalResponse(body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var data strings.Builder
	flush := func() (*Response, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		payload := data.String()
		data.Reset()
		rpcResp, err := UnmarshalResponse([]byte(payload))
		if err != nil || !rpcResp.MatchesID(id) {
			// Server requests and notifications share the stream.
			return nil, false
		}
		return rpcResp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if r, ok := flush(); ok {
				return r, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if r, ok := flush(); ok {
		return r, nil
	}
	return nil, fmt.Errorf("event stream closed without response to request %d", id)
}
