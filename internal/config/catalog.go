package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MimeLyc/agent-orchestrator/internal/mcp"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,47}$`)

// Catalog lists the agents and remote tool servers the service runs.
//
// Example:
//
//	servers:
//	  - id: files
//	    url: http://localhost:3001/mcp
//	agents:
//	  - id: researcher
//	    system_prompt: You research topics on the web.
//	    tools: [web_search, fetch_url]
//	    mcp_servers: [files]
//	    schedule:
//	      cron: "0 8 * * *"
//	      prompt: Summarize today's Go release notes.
type Catalog struct {
	Servers []mcp.ServerConfig `yaml:"servers" json:"servers"`
	Agents  []AgentDefinition  `yaml:"agents" json:"agents"`
}

// AgentDefinition configures one agent.
type AgentDefinition struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt  string         `yaml:"system_prompt" json:"system_prompt"`
	Tools         []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	MCPServers    []string       `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
	MaxIterations int            `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Binding       string         `yaml:"binding,omitempty" json:"binding,omitempty"`
	Language      string         `yaml:"language,omitempty" json:"language,omitempty"`
	Schedule      *AgentSchedule `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Disabled      bool           `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Metadata      map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// AgentSchedule runs an agent periodically with a fixed prompt. An empty
// Cron follows the global CRON_EXPR setting.
type AgentSchedule struct {
	Cron   string `yaml:"cron" json:"cron"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// DisplayName returns Name, falling back to ID.
func (d AgentDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// DefaultCatalog is used when no catalog file exists: one general agent with
// the built-in tools.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Agents: []AgentDefinition{{
			ID:   "assistant",
			Name: "Assistant",
			SystemPrompt: "You are a helpful assistant. Use the available tools when they help " +
				"you answer accurately, and answer directly when they do not.",
			Tools: []string{"web_search", "fetch_url"},
		}},
	}
}

// LoadCatalog reads a catalog file. A missing file yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("Catalog file %s not found, using the default catalog", path)
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Validate checks ids, references, schedules and languages.
func (c *Catalog) Validate() error {
	servers := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		if !idPattern.MatchString(srv.ID) {
			return fmt.Errorf("servers[%d]: invalid id %q", i, srv.ID)
		}
		if servers[srv.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, srv.ID)
		}
		if !strings.HasPrefix(srv.URL, "http://") && !strings.HasPrefix(srv.URL, "https://") {
			return fmt.Errorf("server %s: url must be http(s), got %q", srv.ID, srv.URL)
		}
		servers[srv.ID] = true
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("catalog defines no agents")
	}
	agents := make(map[string]bool, len(c.Agents))
	for i, def := range c.Agents {
		if !idPattern.MatchString(def.ID) {
			return fmt.Errorf("agents[%d]: invalid id %q", i, def.ID)
		}
		if agents[def.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, def.ID)
		}
		agents[def.ID] = true

		for _, id := range def.MCPServers {
			if !servers[id] {
				return fmt.Errorf("agent %s: unknown mcp server %q", def.ID, id)
			}
		}
		if def.MaxIterations < 0 {
			return fmt.Errorf("agent %s: max_iterations must not be negative", def.ID)
		}
		switch strings.ToLower(def.Binding) {
		case "", "strict", "auto":
		default:
			return fmt.Errorf("agent %s: binding must be strict or auto, got %q", def.ID, def.Binding)
		}
		if err := validateLanguage(def.Language, true); err != nil {
			return fmt.Errorf("agent %s: invalid language: %w", def.ID, err)
		}
		if def.Schedule != nil {
			if def.Schedule.Cron != "" {
				if _, err := cron.ParseStandard(def.Schedule.Cron); err != nil {
					return fmt.Errorf("agent %s: invalid schedule cron: %w", def.ID, err)
				}
			}
			if strings.TrimSpace(def.Schedule.Prompt) == "" {
				return fmt.Errorf("agent %s: schedule prompt is required", def.ID)
			}
		}
	}
	return nil
}

// Agent returns the definition with the given id.
func (c *Catalog) Agent(id string) (AgentDefinition, bool) {
	for _, def := range c.Agents {
		if def.ID == id {
			return def, true
		}
	}
	return AgentDefinition{}, false
}

// EnabledAgents returns the definitions that are not disabled.
func (c *Catalog) EnabledAgents() []AgentDefinition {
	out := make([]AgentDefinition, 0, len(c.Agents))
	for _, def := range c.Agents {
		if !def.Disabled {
			out = append(out, def)
		}
	}
	return out
}
