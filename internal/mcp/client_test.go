package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/tools"
)

// fakeServer is a minimal streamable HTTP MCP server.
type fakeServer struct {
	t        *testing.T
	name     string
	pages    [][]tools.Descriptor
	useSSE   bool
	failInit bool

	mu       sync.Mutex
	methods  []string
	sessions []string
	calls    []map[string]any
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params map[string]any  `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.sessions = append(f.sessions, r.Header.Get("Mcp-Session-Id"))
	f.mu.Unlock()

	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		if f.failInit {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Mcp-Session-Id", "session-"+f.name)
		result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": f.name, "version": "1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}
	case "tools/list":
		page := 0
		if cursor, ok := req.Params["cursor"].(string); ok {
			_, _ = fmt.Sscanf(cursor, "page-%d", &page)
		}
		listing := map[string]any{"tools": f.pages[page]}
		if page+1 < len(f.pages) {
			listing["nextCursor"] = fmt.Sprintf("page-%d", page+1)
		}
		result = listing
	case "tools/call":
		f.mu.Lock()
		f.calls = append(f.calls, req.Params)
		f.mu.Unlock()
		name, _ := req.Params["name"].(string)
		if name == "missing" {
			writeRPC(w, req.ID, nil, &RPCError{Code: InvalidParams, Message: "unknown tool"}, f.useSSE)
			return
		}
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": f.name + ":" + name}},
		}
	default:
		writeRPC(w, req.ID, nil, &RPCError{Code: MethodNotFound, Message: "no such method"}, f.useSSE)
		return
	}
	writeRPC(w, req.ID, result, nil, f.useSSE)
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *RPCError, sse bool) {
	payload := map[string]any{"jsonrpc": JSONRPCVersion, "id": id}
	if rpcErr != nil {
		payload["error"] = rpcErr
	} else {
		payload["result"] = result
	}
	data, _ := json.Marshal(payload)

	if !sse {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	// A server notification precedes the response on the same stream.
	_, _ = fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
	_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
}

func newFakeServer(t *testing.T, name string, pages ...[]tools.Descriptor) (*fakeServer, *httptest.Server) {
	t.Helper()
	if len(pages) == 0 {
		pages = [][]tools.Descriptor{{}}
	}
	fake := &fakeServer{t: t, name: name, pages: pages}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func TestClient_HandshakeAndSession(t *testing.T) {
	fake, srv := newFakeServer(t, "files", []tools.Descriptor{{Name: "read_file"}})
	client := NewClient(ServerConfig{ID: "files", URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}})

	_, err := client.ListTools(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, client.Initialize(context.Background()))
	assert.Equal(t, ServerInfo{Name: "files", Version: "1.0"}, client.ServerInfo())

	listing, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, "read_file", listing[0].Name)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list"}, fake.methods)
	assert.Equal(t, "", fake.sessions[0])
	assert.Equal(t, "session-files", fake.sessions[1])
	assert.Equal(t, "session-files", fake.sessions[2])

	require.NoError(t, client.Close(context.Background()))
}

func TestClient_ListToolsFollowsCursor(t *testing.T) {
	_, srv := newFakeServer(t, "big",
		[]tools.Descriptor{{Name: "a"}, {Name: "b"}},
		[]tools.Descriptor{{Name: "c"}},
	)
	client := NewClient(ServerConfig{ID: "big", URL: srv.URL})
	require.NoError(t, client.Initialize(context.Background()))

	listing, err := client.ListTools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(listing))
	for _, d := range listing {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestClient_CallTool(t *testing.T) {
	for _, sse := range []bool{false, true} {
		t.Run(fmt.Sprintf("sse=%v", sse), func(t *testing.T) {
			fake, srv := newFakeServer(t, "echo", []tools.Descriptor{{Name: "say"}})
			fake.useSSE = sse
			client := NewClient(ServerConfig{ID: "echo", URL: srv.URL})
			require.NoError(t, client.Initialize(context.Background()))

			result, err := client.CallTool(context.Background(), "say", map[string]any{"text": "hi"})
			require.NoError(t, err)
			assert.Equal(t, "echo:say", tools.NormalizeResult(result))
			assert.False(t, result.IsError)

			fake.mu.Lock()
			assert.Equal(t, map[string]any{"text": "hi"}, fake.calls[0]["arguments"])
			fake.mu.Unlock()

			_, err = client.CallTool(context.Background(), "missing", nil)
			require.Error(t, err)
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, InvalidParams, rpcErr.Code)
		})
	}
}

func TestClient_HTTPErrors(t *testing.T) {
	fake, srv := newFakeServer(t, "down")
	fake.failInit = true

	client := NewClient(ServerConfig{ID: "down", URL: srv.URL})
	err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestPool_ConnectsAndServesAsCatalog(t *testing.T) {
	_, alpha := newFakeServer(t, "alpha", []tools.Descriptor{{Name: "lookup"}})
	_, zeta := newFakeServer(t, "zeta", []tools.Descriptor{{Name: "lookup"}, {Name: "stats"}})
	broken, brokenSrv := newFakeServer(t, "broken")
	broken.failInit = true

	pool := NewPool([]ServerConfig{
		{ID: "zeta", URL: zeta.URL},
		{ID: "broken", URL: brokenSrv.URL},
		{ID: "alpha", URL: alpha.URL},
		{ID: "off", URL: "http://127.0.0.1:1", Disabled: true},
	})
	require.NoError(t, pool.Connect(context.Background()))
	defer pool.Close(context.Background())

	assert.Equal(t, []string{"alpha", "zeta"}, pool.ServerIDs())
	assert.Len(t, pool.Listing("zeta"), 2)
	assert.Empty(t, pool.Listing("broken"))

	status := pool.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "alpha", status[0].ID)
	assert.True(t, status[0].Connected)
	assert.Equal(t, "broken", status[1].ID)
	assert.False(t, status[1].Connected)
	assert.NotEmpty(t, status[1].LastError)

	_, err := pool.CallTool(context.Background(), "broken", "x", nil)
	assert.Error(t, err)

	d := tools.NewDispatcher(nil, pool)
	call := func(name string) tools.CallResult {
		return d.Dispatch(context.Background(), llm.ToolCall{ID: "1", Function: llm.FunctionCall{Name: name, Arguments: "{}"}})
	}
	assert.Equal(t, "alpha:lookup", call("lookup").Content)
	assert.Equal(t, "zeta:lookup", call("zeta_lookup").Content)
	assert.Equal(t, "zeta:stats", call("stats").Content)

	require.NoError(t, pool.Refresh(context.Background()))
	assert.Len(t, pool.Listing("alpha"), 1)
}
