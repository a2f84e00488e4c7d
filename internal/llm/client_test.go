package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stopResponse = `{
	"id": "test-id",
	"object": "chat.completion",
	"created": 1234567890,
	"model": "test-model",
	"choices": [{
		"index": 0,
		"message": {
			"role": "assistant",
			"content": "Hello! This is a test response."
		},
		"finish_reason": "stop"
	}],
	"usage": {
		"prompt_tokens": 10,
		"completion_tokens": 20,
		"total_tokens": 30
	}
}`

func testConfig(url string) *Config {
	return &Config{
		APIKey:      "test-key",
		APIURL:      url,
		Model:       "test-model",
		MaxTokens:   1000,
		Temperature: 0.7,
		Timeout:     30,
	}
}

func TestNewClient(t *testing.T) {
	config := testConfig("https://api.example.com")

	client, err := NewClient(config)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, config, client.config)
	assert.Equal(t, config.APIURL, client.baseURL)
	assert.NotNil(t, client.httpClient)
	assert.Nil(t, client.limiter)

	invalidConfig := &Config{} // Missing API key
	_, err = NewClient(invalidConfig)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewClient_RateLimiter(t *testing.T) {
	config := testConfig("https://api.example.com")
	config.RequestsPerSecond = 0.5

	client, err := NewClient(config)
	require.NoError(t, err)
	require.NotNil(t, client.limiter)
	assert.Equal(t, 1, client.limiter.Burst())
}

func TestClientWithMockServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(stopResponse))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	messages := []Message{
		{Role: RoleUser, Content: "Hello, how are you?"},
	}

	response, err := client.ChatCompletion(context.Background(), messages, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-id", response.ID)
	assert.Equal(t, "test-model", response.Model)
	assert.Len(t, response.Choices, 1)
	assert.Equal(t, "Hello! This is a test response.", response.Choices[0].Message.Content)
	assert.Equal(t, 30, response.Usage.TotalTokens)
}

func TestClientErrorHandling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{
			"error": {
				"message": "Invalid API key",
				"type": "authentication_error",
				"code": "401"
			}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Invalid API key")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_ThrottledResponseKeepsStatusInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`upstream busy`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream busy", apiErr.Body)
}

func TestSimpleChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.Equal(t, "You are a helpful assistant.", req.Messages[0].Content)
		assert.Equal(t, RoleUser, req.Messages[1].Role)
		assert.Empty(t, req.Tools)

		_, _ = w.Write([]byte(stopResponse))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	response, err := client.SimpleChat(context.Background(), "What is Go?", "You are a helpful assistant.")
	require.NoError(t, err)
	assert.Equal(t, "Hello! This is a test response.", response)
}

func TestClientConcurrentRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(stopResponse))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	messages := []Message{
		{Role: RoleUser, Content: "Hello"},
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ChatCompletion(context.Background(), messages, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestInvalidJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	_, err = client.ChatCompletion(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse response")
}

func searchTool() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: Function{
			Name:        "search",
			Description: "Search the web",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
	}
}

func TestBindTools_AutoSendsToolsAndParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))

		tools, ok := payload["tools"].([]any)
		require.True(t, ok)
		require.Len(t, tools, 1)
		assert.Equal(t, "auto", payload["tool_choice"])
		assert.NotContains(t, payload, "parallel_tool_calls")

		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1",
			"model":"test-model",
			"choices":[{
				"index":0,
				"finish_reason":"tool_calls",
				"message":{
					"role":"assistant",
					"content":"",
					"tool_calls":[
						{"id":"call_1","type":"function","function":{"name":"search","arguments":"{\"query\":\"go\"}"}},
						{"id":"call_2","type":"function","function":{"name":"summarize","arguments":"{}"}}
					]
				}
			}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	model, err := client.BindTools([]ToolDefinition{searchTool()}, BindingAuto)
	require.NoError(t, err)

	completion, err := model.Complete(context.Background(), []Message{{Role: RoleUser, Content: "find go"}})
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", completion.FinishReason)
	assert.Equal(t, 15, completion.Usage.TotalTokens)
	require.True(t, completion.Message.HasToolCalls())
	require.Len(t, completion.Message.ToolCalls, 2)
	assert.Equal(t, "search", completion.Message.ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", completion.Message.ToolCalls[0].ID)
}

func TestBindTools_StrictMarksSchemasAndDisablesParallelCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.True(t, req.Tools[0].Function.Strict)
		assert.JSONEq(t,
			`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"],"additionalProperties":false}`,
			string(req.Tools[0].Function.Parameters))
		require.NotNil(t, req.ParallelToolCalls)
		assert.False(t, *req.ParallelToolCalls)

		_, _ = w.Write([]byte(stopResponse))
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.StrictTools = true
	client, err := NewClient(config)
	require.NoError(t, err)

	model, err := client.BindTools([]ToolDefinition{searchTool()}, BindingStrict)
	require.NoError(t, err)

	_, err = model.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
}

func TestStrictDefinitions_ClosesNestedObjects(t *testing.T) {
	def := searchTool()
	def.Function.Parameters = json.RawMessage(`{"type":"object","properties":{"filter":{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]},"ids":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}}},"required":["filter","ids"]}`)

	out, err := strictDefinitions([]ToolDefinition{def})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Function.Strict)
	assert.JSONEq(t, `{
		"type":"object",
		"additionalProperties":false,
		"required":["filter","ids"],
		"properties":{
			"filter":{"type":"object","additionalProperties":false,"required":["name"],"properties":{"name":{"type":"string"}}},
			"ids":{"type":"array","items":{"type":"object","additionalProperties":false,"required":["id"],"properties":{"id":{"type":"string"}}}}
		}
	}`, string(out[0].Function.Parameters))
}

func TestBindTools_Rejections(t *testing.T) {
	client, err := NewClient(testConfig("https://api.example.com"))
	require.NoError(t, err)

	t.Run("strict not supported by provider", func(t *testing.T) {
		_, err := client.BindTools([]ToolDefinition{searchTool()}, BindingStrict)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBindingUnsupported)
	})

	t.Run("strict with optional property", func(t *testing.T) {
		strictClient, err := NewClient(&Config{
			APIKey: "k", APIURL: "https://api.example.com", Model: "m",
			MaxTokens: 10, Timeout: 1, StrictTools: true,
		})
		require.NoError(t, err)
		def := searchTool()
		def.Function.Parameters = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`)
		_, err = strictClient.BindTools([]ToolDefinition{def}, BindingStrict)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBindingUnsupported)
	})

	t.Run("strict with nested optional property or undeclared required name", func(t *testing.T) {
		strictClient, err := NewClient(&Config{
			APIKey: "k", APIURL: "https://api.example.com", Model: "m",
			MaxTokens: 10, Timeout: 1, StrictTools: true,
		})
		require.NoError(t, err)

		schemas := map[string]string{
			"nested optional": `{"type":"object","properties":{"filter":{"type":"object","properties":{"name":{"type":"string"},"limit":{"type":"integer"}},"required":["name"]}},"required":["filter"]}`,
			"undeclared required": `{"type":"object","properties":{"query":{"type":"string"}},"required":["query","missing"]}`,
			"array item optional": `{"type":"object","properties":{"rows":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"tag":{"type":"string"}},"required":["id"]}}},"required":["rows"]}`,
		}
		for name, schema := range schemas {
			def := searchTool()
			def.Function.Parameters = json.RawMessage(schema)
			_, err = strictClient.BindTools([]ToolDefinition{def}, BindingStrict)
			assert.ErrorIs(t, err, ErrBindingUnsupported, name)

			_, err = strictClient.BindTools([]ToolDefinition{def}, BindingAuto)
			assert.NoError(t, err, name)
		}
	})

	t.Run("invalid tool name fails every mode", func(t *testing.T) {
		def := searchTool()
		def.Function.Name = "web.search"
		_, err := client.BindTools([]ToolDefinition{def}, BindingAuto)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBindingUnsupported)
	})

	t.Run("duplicate tool names", func(t *testing.T) {
		_, err := client.BindTools([]ToolDefinition{searchTool(), searchTool()}, BindingAuto)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := client.BindTools(nil, BindingMode("parallel"))
		assert.ErrorIs(t, err, ErrBindingUnsupported)
	})
}

const (
	defaultAPIURL = "https://openrouter.ai/api/v1"
	defaultModel  = "google/gemini-2.5-flash"
)

// TestOpenRouterIntegration talks to a real provider and is skipped unless
// LLM_API_KEY is set (optionally through a local .env file).
func TestOpenRouterIntegration(t *testing.T) {
	_ = godotenv.Load("./.env")
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		t.Skip("Set LLM_API_KEY environment variable to run this test")
	}

	client, err := NewClient(&Config{
		APIKey:      apiKey,
		APIURL:      defaultAPIURL,
		Model:       defaultModel,
		MaxTokens:   100,
		Temperature: 0.7,
		Timeout:     30,
	})
	require.NoError(t, err)

	response, err := client.SimpleChat(context.Background(), "What is 2+2?", "Reply briefly.")
	require.NoError(t, err)
	assert.True(t, strings.Contains(response, "4"))
}
