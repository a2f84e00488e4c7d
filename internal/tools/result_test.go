package tools

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringerValue struct{}

func (stringerValue) String() string { return "stringer" }

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name   string
		result RemoteResult
		want   string
	}{
		{name: "nil", result: nil, want: ""},
		{
			name: "content list joins text parts",
			result: ContentList{
				{Type: "text", Text: "first"},
				{Type: "image", Fields: map[string]any{"type": "image", "data": "AAAA"}},
				{Type: "text", Fields: map[string]any{"text": "second"}},
			},
			want: "first\nsecond",
		},
		{
			name: "structured result uses its content",
			result: &StructuredResult{Content: []ContentItem{
				{Type: "text", Text: "a"},
				{Type: "text", Text: "b"},
			}},
			want: "a\nb",
		},
		{name: "structured result without text", result: StructuredResult{}, want: ""},
		{name: "scalar string", result: ScalarResult{Value: "plain"}, want: "plain"},
		{name: "scalar number", result: ScalarResult{Value: 42}, want: "42"},
		{name: "scalar map", result: ScalarResult{Value: map[string]any{"ok": true}}, want: `{"ok":true}`},
		{name: "scalar stringer", result: ScalarResult{Value: stringerValue{}}, want: "stringer"},
		{name: "scalar error", result: ScalarResult{Value: errors.New("boom")}, want: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeResult(tt.result))
		})
	}
}

func TestContentItem_UnmarshalKeepsFields(t *testing.T) {
	var result StructuredResult
	require.NoError(t, json.Unmarshal([]byte(`{
		"content": [
			{"type":"text","text":"hello"},
			{"type":"resource","resource":{"uri":"file:///a"}}
		],
		"isError": true
	}`), &result))

	require.Len(t, result.Content, 2)
	assert.Equal(t, "hello", result.Content[0].Text)
	assert.Equal(t, "resource", result.Content[1].Type)
	assert.Contains(t, result.Content[1].Fields, "resource")
	assert.True(t, result.IsError)
	assert.Equal(t, "hello", NormalizeResult(result))
}

func TestIsEmptyObservation(t *testing.T) {
	assert.True(t, isEmptyObservation(""))
	assert.True(t, isEmptyObservation("  "))
	assert.True(t, isEmptyObservation("None"))
	assert.False(t, isEmptyObservation("none of them"))
}
