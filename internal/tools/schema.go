package tools

import (
	"encoding/json"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
)

// Descriptor is the transport independent description of a tool. The JSON
// layout matches MCP tools/list entries.
type Descriptor struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	InputSchema *InputSchema `json:"inputSchema,omitempty"`
}

// InputSchema is the JSON-Schema subset tools declare for their arguments.
// AdditionalProperties is kept raw because servers send either a bool or a
// nested schema.
type InputSchema struct {
	Type                 string                     `json:"type,omitempty"`
	Properties           map[string]json.RawMessage `json:"properties,omitempty"`
	Required             []string                   `json:"required,omitempty"`
	AdditionalProperties json.RawMessage            `json:"additionalProperties,omitempty"`
}

// ParseInputSchema decodes a raw schema. Empty or unparseable input yields nil.
func ParseInputSchema(raw json.RawMessage) *InputSchema {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var schema InputSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return &schema
}

// adaptedSchema always renders type and properties, even when empty.
type adaptedSchema struct {
	Type                 string                     `json:"type"`
	Properties           map[string]json.RawMessage `json:"properties"`
	Required             []string                   `json:"required,omitempty"`
	AdditionalProperties json.RawMessage            `json:"additionalProperties,omitempty"`
}

// AdaptSchema converts a descriptor into a function-calling definition whose
// properties are narrowed to the required ones. Weaker models pass null for
// optional parameters they have no value for, which providers reject as a
// type error, so optional parameters are never exposed. A missing schema
// becomes an empty object schema. AdaptSchema never fails.
func AdaptSchema(d Descriptor) llm.ToolDefinition {
	out := adaptedSchema{Type: "object", Properties: map[string]json.RawMessage{}}
	if s := d.InputSchema; s != nil {
		if s.Type != "" {
			out.Type = s.Type
		}
		for _, name := range s.Required {
			prop, ok := s.Properties[name]
			if !ok {
				// Required names without a declared schema are dropped.
				continue
			}
			out.Properties[name] = prop
			out.Required = append(out.Required, name)
		}
		out.AdditionalProperties = s.AdditionalProperties
	}

	params, err := json.Marshal(out)
	if err != nil {
		// Only reachable with invalid raw property schemas.
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	return llm.ToolDefinition{
		Type: "function",
		Function: llm.Function{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}
