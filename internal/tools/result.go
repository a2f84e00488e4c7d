package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RemoteResult is the result of a remote tool call. It is one of
// ContentList, StructuredResult or ScalarResult.
type RemoteResult interface {
	remoteResult()
}

// ContentItem is one typed content part. Text is set for text parts; parts
// of other types keep their decoded fields in Fields.
type ContentItem struct {
	Type   string
	Text   string
	Fields map[string]any
}

// text returns the item's text and whether it has any.
func (c ContentItem) text() (string, bool) {
	if c.Text != "" {
		return c.Text, true
	}
	if s, ok := c.Fields["text"].(string); ok {
		return s, true
	}
	return "", false
}

// UnmarshalJSON keeps every field so non-text parts survive decoding.
func (c *ContentItem) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	c.Fields = fields
	c.Type, _ = fields["type"].(string)
	c.Text, _ = fields["text"].(string)
	return nil
}

// ContentList is a bare list of content parts.
type ContentList []ContentItem

// StructuredResult is a result object carrying a content list.
type StructuredResult struct {
	Content           []ContentItem `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

// ScalarResult is any other value.
type ScalarResult struct {
	Value any
}

func (ContentList) remoteResult()      {}
func (StructuredResult) remoteResult() {}
func (ScalarResult) remoteResult()     {}

// NormalizeResult flattens a remote result into text. Text parts are joined
// with newlines; anything else is stringified.
func NormalizeResult(result RemoteResult) string {
	switch r := result.(type) {
	case nil:
		return ""
	case ContentList:
		return joinText(r)
	case *ContentList:
		if r == nil {
			return ""
		}
		return joinText(*r)
	case StructuredResult:
		return joinText(r.Content)
	case *StructuredResult:
		if r == nil {
			return ""
		}
		return joinText(r.Content)
	case ScalarResult:
		return stringify(r.Value)
	case *ScalarResult:
		if r == nil {
			return ""
		}
		return stringify(r.Value)
	default:
		return fmt.Sprint(result)
	}
}

func joinText(items []ContentItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if text, ok := item.text(); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(v)
	}
	if data, err := json.Marshal(value); err == nil {
		return string(data)
	}
	return fmt.Sprint(value)
}

// isEmptyObservation reports text that would leave the model guessing.
func isEmptyObservation(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "" || trimmed == "None"
}
