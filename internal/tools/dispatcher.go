package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

// DefaultCooldown is the pause between consecutive calls of one batch.
const DefaultCooldown = time.Second

// RemoteCatalog exposes the cached tool listings of remote tool servers.
// Implementations must allow concurrent readers; the dispatcher never
// mutates a listing.
type RemoteCatalog interface {
	ServerIDs() []string
	Listing(serverID string) []Descriptor
	CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (RemoteResult, error)
}

// Binding is a tool as exposed to the model: either a local tool or a tool
// hosted by a remote server. Exactly one of Local and ServerID is set.
type Binding struct {
	// Name is the name the model sees.
	Name       string
	Descriptor Descriptor
	Local      Tool
	ServerID   string
}

// IsRemote reports whether the binding targets a remote server.
func (b Binding) IsRemote() bool {
	return b.Local == nil
}

// CallResult is the flattened outcome of one tool call.
type CallResult struct {
	ToolName string
	CallID   string
	ServerID string
	Content  string
	IsError  bool
	Duration time.Duration
	// Resolved is false when no tool matched the requested name.
	Resolved bool
}

// Message converts the result into a tool-role history message.
func (r CallResult) Message() llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    r.Content,
		ToolCallID: r.CallID,
		Name:       r.ToolName,
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCooldown sets the pause between calls of one batch. Negative values
// disable it.
func WithCooldown(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d < 0 {
			d = 0
		}
		dp.cooldown = d
	}
}

// WithRemoteServers restricts remote resolution to the given server ids.
// Without it every server of the catalog is searched.
func WithRemoteServers(ids ...string) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.servers = append([]string(nil), ids...)
		dp.restricted = true
	}
}

// Dispatcher resolves tool calls to local or remote tools, invokes them and
// normalizes their results into text. It never returns an error: every
// failure becomes error text the model can react to.
type Dispatcher struct {
	local      map[string]Tool
	localOrder []string
	catalog    RemoteCatalog
	servers    []string
	restricted bool
	cooldown   time.Duration
}

// NewDispatcher creates a dispatcher over the given local tools and remote
// catalog. The catalog may be nil.
func NewDispatcher(local []Tool, catalog RemoteCatalog, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		local:    make(map[string]Tool, len(local)),
		catalog:  catalog,
		cooldown: DefaultCooldown,
	}
	for _, tool := range local {
		if _, dup := d.local[tool.Name()]; dup {
			continue
		}
		d.local[tool.Name()] = tool
		d.localOrder = append(d.localOrder, tool.Name())
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Cooldown returns the configured pause between batch calls.
func (d *Dispatcher) Cooldown() time.Duration {
	return d.cooldown
}

// serverIDs returns the searchable servers in lexical order, which is the
// tie-break when several servers export the same tool name.
func (d *Dispatcher) serverIDs() []string {
	if d.catalog == nil {
		return nil
	}
	var ids []string
	if d.restricted {
		ids = append(ids, d.servers...)
	} else {
		ids = d.catalog.ServerIDs()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return sorted
}

// Bindings returns the tool set exposed to the model: local tools first,
// then remote tools in lexical server order. A remote tool whose name is
// already taken is exposed under its "{server}_{tool}" name.
func (d *Dispatcher) Bindings() []Binding {
	bindings := make([]Binding, 0, len(d.localOrder))
	taken := make(map[string]bool)
	for _, name := range d.localOrder {
		tool := d.local[name]
		bindings = append(bindings, Binding{Name: name, Descriptor: Describe(tool), Local: tool})
		taken[name] = true
	}

	for _, serverID := range d.serverIDs() {
		for _, desc := range d.catalog.Listing(serverID) {
			name := desc.Name
			if taken[name] {
				name = compositeName(serverID, desc.Name)
			}
			if taken[name] {
				log.Warn("Skipping remote tool %s from server %s: name already bound", desc.Name, serverID)
				continue
			}
			taken[name] = true
			bindings = append(bindings, Binding{Name: name, Descriptor: desc, ServerID: serverID})
		}
	}
	return bindings
}

// Definitions returns the adapted function definitions of Bindings.
func (d *Dispatcher) Definitions() []llm.ToolDefinition {
	bindings := d.Bindings()
	defs := make([]llm.ToolDefinition, 0, len(bindings))
	for _, b := range bindings {
		desc := b.Descriptor
		desc.Name = b.Name
		defs = append(defs, AdaptSchema(desc))
	}
	return defs
}

// Resolve finds the tool a call name refers to: a local tool with that exact
// name, otherwise the first server in lexical order listing the name either
// exactly or as "{server}_{tool}".
func (d *Dispatcher) Resolve(name string) (Binding, bool) {
	if tool, ok := d.local[name]; ok {
		return Binding{Name: name, Descriptor: Describe(tool), Local: tool}, true
	}
	for _, serverID := range d.serverIDs() {
		for _, desc := range d.catalog.Listing(serverID) {
			if desc.Name == name || compositeName(serverID, desc.Name) == name {
				return Binding{Name: name, Descriptor: desc, ServerID: serverID}, true
			}
		}
	}
	return Binding{}, false
}

// Dispatch executes one tool call.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall) CallResult {
	start := time.Now()
	name := call.Function.Name
	result := CallResult{ToolName: name, CallID: call.ID}

	binding, ok := d.Resolve(name)
	if !ok {
		log.Warn("Tool %s not found", name)
		result.Content = fmt.Sprintf("Error: Tool %s not found or not associated with an active MCP server.", name)
		result.IsError = true
		result.Duration = time.Since(start)
		return result
	}
	result.ServerID = binding.ServerID
	result.Resolved = true

	var (
		content string
		isError bool
		err     error
	)
	args, parseErr := ParseArguments(call.Function.Arguments)
	switch {
	case parseErr != nil:
		err = parseErr
	case binding.IsRemote():
		content, isError, err = d.callRemote(ctx, binding, args)
	default:
		content, isError, err = callLocal(ctx, binding.Local, args)
	}

	switch {
	case err != nil:
		log.Error("Tool %s failed: %v", name, err)
		result.Content = fmt.Sprintf("Error executing tool %s: %v", name, err)
		result.IsError = true
	case isEmptyObservation(content):
		result.Content = fmt.Sprintf("Tool %s executed successfully.", name)
		result.IsError = isError
	default:
		result.Content = content
		result.IsError = isError
	}
	result.Duration = time.Since(start)
	log.Debug("Tool %s executed in %s: error=%v", name, result.Duration, result.IsError)
	return result
}

// DispatchBatch executes calls in order, pausing for the cooldown between
// calls. If ctx ends during a pause the remaining calls are reported as
// failed without being executed.
func (d *Dispatcher) DispatchBatch(ctx context.Context, calls []llm.ToolCall) []CallResult {
	results := make([]CallResult, 0, len(calls))
	for i, call := range calls {
		results = append(results, d.Dispatch(ctx, call))
		if i == len(calls)-1 || d.cooldown <= 0 {
			continue
		}

		timer := time.NewTimer(d.cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			for _, rest := range calls[i+1:] {
				results = append(results, CallResult{
					ToolName: rest.Function.Name,
					CallID:   rest.ID,
					Content:  fmt.Sprintf("Error executing tool %s: %v", rest.Function.Name, ctx.Err()),
					IsError:  true,
				})
			}
			return results
		case <-timer.C:
		}
	}
	return results
}

func (d *Dispatcher) callRemote(ctx context.Context, binding Binding, args map[string]any) (string, bool, error) {
	res, err := d.catalog.CallTool(ctx, binding.ServerID, binding.Descriptor.Name, args)
	if err != nil {
		return "", false, err
	}
	text := NormalizeResult(res)
	if isRemoteError(res) {
		return "", true, fmt.Errorf("%s", text)
	}
	return text, false, nil
}

func isRemoteError(res RemoteResult) bool {
	switch r := res.(type) {
	case StructuredResult:
		return r.IsError
	case *StructuredResult:
		return r != nil && r.IsError
	}
	return false
}

func callLocal(ctx context.Context, tool Tool, args map[string]any) (content string, isError bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	raw, err := json.Marshal(args)
	if err != nil {
		return "", false, fmt.Errorf("encode arguments: %w", err)
	}
	res, err := tool.Execute(ctx, raw)
	if err != nil {
		return "", false, err
	}
	return res.Content, res.IsError, nil
}

func compositeName(serverID, toolName string) string {
	return serverID + "_" + toolName
}
