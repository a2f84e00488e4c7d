package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/agent-orchestrator/internal/tools"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

const maxConcurrentConnects = 4

// ServerStatus reports the state of one configured server.
type ServerStatus struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Connected   bool       `json:"connected"`
	Server      ServerInfo `json:"server"`
	ToolCount   int        `json:"tool_count"`
	LastError   string     `json:"last_error,omitempty"`
	RefreshedAt time.Time  `json:"refreshed_at,omitempty"`
}

// Pool connects a set of servers and caches their tool listings. It
// implements tools.RemoteCatalog; listings are replaced wholesale on refresh
// so readers never observe a partially updated listing.
type Pool struct {
	configs []ServerConfig

	mu       sync.RWMutex
	clients  map[string]*Client
	listings map[string][]tools.Descriptor
	status   map[string]ServerStatus
}

// NewPool creates a pool for the enabled servers in configs.
func NewPool(configs []ServerConfig) *Pool {
	enabled := make([]ServerConfig, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Disabled {
			enabled = append(enabled, cfg)
		}
	}
	return &Pool{
		configs:  enabled,
		clients:  make(map[string]*Client),
		listings: make(map[string][]tools.Descriptor),
		status:   make(map[string]ServerStatus),
	}
}

// Connect initializes every server concurrently and caches its listing.
// A server that fails is logged and left out; Connect only fails when ctx
// ends.
func (p *Pool) Connect(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentConnects)

	for _, cfg := range p.configs {
		g.Go(func() error {
			client := NewClient(cfg)
			if err := client.Initialize(gctx); err != nil {
				p.recordFailure(cfg, err)
				return nil
			}
			listing, err := client.ListTools(gctx)
			if err != nil {
				p.recordFailure(cfg, err)
				return nil
			}

			p.mu.Lock()
			p.clients[cfg.ID] = client
			p.listings[cfg.ID] = listing
			p.status[cfg.ID] = ServerStatus{
				ID:          cfg.ID,
				URL:         cfg.URL,
				Connected:   true,
				Server:      client.ServerInfo(),
				ToolCount:   len(listing),
				RefreshedAt: time.Now(),
			}
			p.mu.Unlock()
			log.Info("Connected MCP server %s with %d tools", cfg.ID, len(listing))
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Refresh re-lists the tools of every connected server.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(maxConcurrentConnects)
	for _, client := range clients {
		g.Go(func() error {
			listing, err := client.ListTools(ctx)
			if err != nil {
				log.Warn("Failed to refresh MCP server %s: %v", client.ID(), err)
				p.mu.Lock()
				st := p.status[client.ID()]
				st.LastError = err.Error()
				p.status[client.ID()] = st
				p.mu.Unlock()
				return nil
			}
			p.mu.Lock()
			p.listings[client.ID()] = listing
			st := p.status[client.ID()]
			st.ToolCount = len(listing)
			st.LastError = ""
			st.RefreshedAt = time.Now()
			p.status[client.ID()] = st
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (p *Pool) recordFailure(cfg ServerConfig, err error) {
	log.Error("Failed to connect MCP server %s: %v", cfg.ID, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[cfg.ID] = ServerStatus{ID: cfg.ID, URL: cfg.URL, LastError: err.Error()}
}

// ServerIDs returns the connected server ids in lexical order.
func (p *Pool) ServerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.listings))
	for id := range p.listings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Listing returns the cached tools of a server. Callers must not modify it.
func (p *Pool) Listing(serverID string) []tools.Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listings[serverID]
}

// CallTool invokes a tool on a connected server.
func (p *Pool) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (tools.RemoteResult, error) {
	p.mu.RLock()
	client, ok := p.clients[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not connected", serverID)
	}
	res, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Status reports every configured server in lexical order.
func (p *Pool) Status() []ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ServerStatus, 0, len(p.configs))
	for _, cfg := range p.configs {
		st, ok := p.status[cfg.ID]
		if !ok {
			st = ServerStatus{ID: cfg.ID, URL: cfg.URL}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close ends every session.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.listings = make(map[string][]tools.Descriptor)
	p.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
