package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// BindingMode selects how tool schemas are attached to completion requests.
type BindingMode string

const (
	// BindingStrict sends strict function schemas and disables parallel tool calls.
	BindingStrict BindingMode = "strict"
	// BindingAuto sends plain function schemas with tool_choice=auto.
	BindingAuto BindingMode = "auto"
)

// ErrBindingUnsupported is returned when the provider cannot accept a binding mode.
var ErrBindingUnsupported = errors.New("tool binding mode not supported")

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Model produces one assistant turn for an ordered message history.
type Model interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// ToolBinder binds a tool schema set to a model connector.
type ToolBinder interface {
	BindTools(tools []ToolDefinition, mode BindingMode) (Model, error)
}

// BindTools returns a Model that sends the given tools with every request.
func (c *Client) BindTools(tools []ToolDefinition, mode BindingMode) (Model, error) {
	if err := validateToolDefinitions(tools); err != nil {
		return nil, err
	}

	switch mode {
	case BindingStrict:
		if !c.config.StrictTools {
			return nil, fmt.Errorf("%w: %s (provider does not accept strict schemas)", ErrBindingUnsupported, mode)
		}
		strict, err := strictDefinitions(tools)
		if err != nil {
			return nil, err
		}
		parallel := false
		return &boundModel{client: c, tools: strict, parallel: &parallel}, nil
	case BindingAuto, "":
		return &boundModel{client: c, tools: slices.Clone(tools)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBindingUnsupported, mode)
	}
}

type boundModel struct {
	client   *Client
	tools    []ToolDefinition
	parallel *bool
}

func (m *boundModel) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	request := m.client.buildRequest(messages, nil)
	if len(m.tools) > 0 {
		request.Tools = m.tools
		request.ToolChoice = "auto"
		request.ParallelToolCalls = m.parallel
	}

	resp, err := m.client.send(ctx, request)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	msg := choice.Message
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	return &Completion{
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
		Model:        resp.Model,
	}, nil
}

func validateToolDefinitions(tools []ToolDefinition) error {
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		name := tool.Function.Name
		if !toolNamePattern.MatchString(name) {
			return fmt.Errorf("invalid tool name %q: must match %s", name, toolNamePattern.String())
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate tool name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// strictDefinitions marks every function strict. Strict mode requires every
// declared property to be required and additional properties to be closed,
// at every nesting level.
func strictDefinitions(tools []ToolDefinition) ([]ToolDefinition, error) {
	out := make([]ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		schema := map[string]any{}
		if len(tool.Function.Parameters) > 0 {
			if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("%w: tool %s has unparseable parameters: %v", ErrBindingUnsupported, tool.Function.Name, err)
			}
		}
		if _, ok := schema["type"]; !ok {
			schema["type"] = "object"
		}
		if err := closeObjectSchema(schema); err != nil {
			return nil, fmt.Errorf("%w: tool %s %v", ErrBindingUnsupported, tool.Function.Name, err)
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, err
		}
		def := tool
		def.Type = "function"
		def.Function.Parameters = raw
		def.Function.Strict = true
		out = append(out, def)
	}
	return out, nil
}

// closeObjectSchema checks one schema node for strict mode and recurses into
// nested object properties and array items. Object nodes get
// additionalProperties=false and explicit properties and required lists.
func closeObjectSchema(schema map[string]any) error {
	if items, ok := schema["items"].(map[string]any); ok {
		if err := closeObjectSchema(items); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}

	props, hasProps := schema["properties"].(map[string]any)
	if typ, _ := schema["type"].(string); typ != "object" && !hasProps {
		return nil
	}

	required := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				continue
			}
			if _, declared := props[name]; !declared {
				return fmt.Errorf("requires undeclared property %q", name)
			}
			required[name] = true
		}
	}

	for name, prop := range props {
		if !required[name] {
			return fmt.Errorf("has optional property %q", name)
		}
		nested, ok := prop.(map[string]any)
		if !ok {
			continue
		}
		if err := closeObjectSchema(nested); err != nil {
			return fmt.Errorf("property %q %w", name, err)
		}
	}

	schema["additionalProperties"] = false
	if props == nil {
		schema["properties"] = map[string]any{}
	}
	if _, ok := schema["required"]; !ok {
		schema["required"] = []string{}
	}
	return nil
}
