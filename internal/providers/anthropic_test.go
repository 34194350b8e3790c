package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubServer(t *testing.T, handler http.HandlerFunc) (*Anthropic, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewAnthropic("test-key", WithBaseURL(ts.URL)), ts
}

func TestChatParsesTextResponse(t *testing.T) {
	client, _ := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "hello"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 2},
		})
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestChatParsesToolUse(t *testing.T) {
	client, _ := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "toolu_1", "name": "check-agent-status", "input": map[string]string{"agent": "frontend"}},
			},
			"stop_reason": "tool_use",
		})
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "is the frontend worker up?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "check-agent-status", resp.ToolCalls[0].Name)
	assert.Equal(t, "frontend", resp.ToolCalls[0].Arguments["agent"])
}

func TestChatTranslatesToolResultsToUserBlocks(t *testing.T) {
	var captured map[string]interface{}
	client, _ := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "done"}},
			"stop_reason": "end_turn",
		})
	})

	_, err := client.Chat(context.Background(), ChatRequest{
		System: "you are a test",
		Model:  "claude-sonnet-4-5",
		Messages: []Message{
			{Role: "user", Content: "check status"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "toolu_1", Name: "check-agent-status", Arguments: map[string]interface{}{"agent": "frontend"}}}},
			{Role: "tool", ToolCallID: "toolu_1", Content: "frontend: idle", IsError: false},
		},
		Tools: []ToolDefinition{{Name: "check-agent-status", Description: "liveness", InputSchema: map[string]interface{}{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "you are a test", captured["system"])

	messages := captured["messages"].([]interface{})
	require.Len(t, messages, 3)

	assistant := messages[1].(map[string]interface{})
	blocks := assistant["content"].([]interface{})
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_use", blocks[0].(map[string]interface{})["type"])

	toolResult := messages[2].(map[string]interface{})
	assert.Equal(t, "user", toolResult["role"])
	block := toolResult["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
	assert.Equal(t, "frontend: idle", block["content"])

	tools := captured["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "check-agent-status", tools[0].(map[string]interface{})["name"])
}

func TestChatRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client, _ := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "recovered"}},
			"stop_reason": "end_turn",
		})
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_request_error"}}`))
	})

	_, err := client.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
