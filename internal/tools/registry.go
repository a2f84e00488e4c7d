package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
)

var (
	// ErrToolExists is returned when registering a duplicate tool name.
	ErrToolExists = errors.New("tool already registered")
	// ErrToolNotFound is returned when selecting a tool that is not registered.
	ErrToolNotFound = errors.New("tool not registered")
)

// Registry manages the local tools available to agents
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry
// Returns ErrToolExists if a tool with the same name already exists
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrToolExists, name)
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tool names in lexical order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Select returns the named tools in the given order. An empty list selects
// every registered tool.
func (r *Registry) Select(names []string) ([]Tool, error) {
	if len(names) == 0 {
		names = r.List()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]Tool, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
		}
		selected = append(selected, tool)
	}
	return selected, nil
}

// Definitions converts all registered tools to adapted function definitions
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.List()
	definitions := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if tool, ok := r.Get(name); ok {
			definitions = append(definitions, AdaptSchema(Describe(tool)))
		}
	}
	return definitions
}
