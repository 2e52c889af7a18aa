package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evidara/evidara-ai/internal/llm/types"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("test-key", "gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if client.model != "gpt-4o" {
		t.Errorf("Expected model 'gpt-4o', got '%s'", client.model)
	}

	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient("", ""); err == nil {
		t.Error("Expected error for empty API key")
	}
}

func TestConvertMessagesSystemAndTools(t *testing.T) {
	messages := []types.ChatMessage{
		{Role: "user", Content: "hi"},
		{
			Role: "assistant",
			Blocks: []types.ContentBlock{
				{Type: "tool_use", ID: "call_1", Name: "calc", Input: map[string]any{"expression": "2+3"}},
			},
		},
		{Role: "tool", ToolCallID: "call_1", Content: `{"summary":"5"}`},
	}

	out := convertMessages(messages, "you are helpful")
	if len(out) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "you are helpful" {
		t.Errorf("Unexpected system message: %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "calc" {
		t.Errorf("Unexpected assistant tool calls: %+v", out[2])
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "call_1" {
		t.Errorf("Unexpected tool message: %+v", out[3])
	}
}

func TestStreamTurnFunctionCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"calc","arguments":""}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expr"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ession\":\"1+1\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":7}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, _ := NewClient("test-key", "gpt-4o")
	client.SetBaseURL(server.URL)

	result, err := client.StreamTurn(context.Background(), []types.ChatMessage{{Role: "user", Content: "1+1"}},
		[]types.Tool{{Name: "calc", Description: "evaluate", InputSchema: map[string]any{"type": "object"}}}, "", types.StreamCallbacks{})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}

	if len(result.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.ID != "call_9" || call.Name != "calc" {
		t.Errorf("Unexpected call: %+v", call)
	}
	if expr, _ := call.Input["expression"].(string); expr != "1+1" {
		t.Errorf("Expected expression '1+1', got %v", call.Input["expression"])
	}
	if result.State.StopReason != "tool_calls" {
		t.Errorf("Expected finish_reason tool_calls, got '%s'", result.State.StopReason)
	}
	if result.State.Usage.InputTokens != 10 || result.State.Usage.OutputTokens != 7 {
		t.Errorf("Unexpected usage: %+v", result.State.Usage)
	}
}

func TestStreamTurnText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"The answer "}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"is 2."}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, _ := NewClient("test-key", "gpt-4o")
	client.SetBaseURL(server.URL)

	var tokens []string
	cb := types.StreamCallbacks{OnTextToken: func(tok string) { tokens = append(tokens, tok) }}

	result, err := client.StreamTurn(context.Background(), []types.ChatMessage{{Role: "user", Content: "1+1?"}}, nil, "", cb)
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	if result.Text != "The answer is 2." {
		t.Errorf("Unexpected text: %q", result.Text)
	}
	if len(tokens) != 2 {
		t.Errorf("Expected 2 tokens, got %d", len(tokens))
	}
	if result.State.StopReason != "stop" {
		t.Errorf("Expected stop, got '%s'", result.State.StopReason)
	}
}

func TestStreamTurnConcatenatedArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_dup","function":{"name":"calc","arguments":"{\"expression\":\"1+1\"}{\"expression\":\"1+1\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, _ := NewClient("test-key", "gpt-4o")
	client.SetBaseURL(server.URL)

	result, err := client.StreamTurn(context.Background(), []types.ChatMessage{{Role: "user", Content: "1+1"}}, nil, "", types.StreamCallbacks{})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if expr, _ := call.Input["expression"].(string); expr != "1+1" {
		t.Errorf("Expected first object parsed, got %v", call.Input)
	}
	if call.Raw != "" {
		t.Errorf("Expected no raw degradation, got %q", call.Raw)
	}
}

func TestStreamTurnMalformedArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"calc","arguments":"{\"broken"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, _ := NewClient("test-key", "gpt-4o")
	client.SetBaseURL(server.URL)

	result, err := client.StreamTurn(context.Background(), []types.ChatMessage{{Role: "user", Content: "go"}}, nil, "", types.StreamCallbacks{})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Raw == "" {
		t.Error("Expected raw fragment preserved for malformed arguments")
	}
	if result.ToolCalls[0].Input["raw"] == nil {
		t.Errorf("Expected raw degradation, got %v", result.ToolCalls[0].Input)
	}
}
