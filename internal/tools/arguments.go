package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseArguments decodes the JSON argument string of a tool call into an
// object. Models occasionally emit truncated or single-quoted JSON, so a
// failed decode is retried once on the repaired text.
func ParseArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}

	args, err := decodeObject(trimmed)
	if err == nil {
		return args, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(trimmed)
	if repairErr != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	args, err = decodeObject(repaired)
	if err != nil {
		return nil, fmt.Errorf("invalid tool arguments after repair: %w", err)
	}
	return args, nil
}

func decodeObject(s string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
