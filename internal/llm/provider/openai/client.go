package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/evidara/evidara-ai/internal/llm/types"
)

// OpenAI-compatible chat/completions constants. The same client serves any
// endpoint speaking this dialect (vLLM, LiteLLM proxies, Azure front doors).
const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 4096
	DefaultTimeout   = 120 * time.Second

	ProviderName = "openai"
)

// Client implements types.Provider against the OpenAI-compatible streaming
// chat/completions API.
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an OpenAI-compatible provider client. Key, model, and
// base URL fall back to OPENAI_API_KEY / OPENAI_MODEL / OPENAI_BASE_URL.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required")
		}
	}
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = DefaultModel
		}
	}
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  DefaultMaxTokens,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// Name implements types.Provider.
func (c *Client) Name() string { return ProviderName }

// SetBaseURL overrides the API base URL.  Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

// ─── Wire types ───────────────────────────────────────────────────────────────

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	Index    int             `json:"index,omitempty"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"` // always "function"
	Function oaiToolFunction `json:"function"`
}

type oaiToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON string, streamed in fragments
}

type oaiTool struct {
	Type     string         `json:"type"` // "function"
	Function oaiToolSpec    `json:"function"`
}

type oaiToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	Tools     []oaiTool    `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
}

type oaiDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiStreamChunk struct {
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Index        int      `json:"index"`
		Delta        oaiDelta `json:"delta"`
		FinishReason string   `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// ─── Conversions ──────────────────────────────────────────────────────────────

func convertMessages(messages []types.ChatMessage, system string) []oaiMessage {
	out := make([]oaiMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "tool":
			out = append(out, oaiMessage{Role: "tool", ToolCallID: m.ToolCallID, Content: m.Content})
		case "assistant":
			msg := oaiMessage{Role: "assistant", Content: m.Content}
			for _, blk := range m.Blocks {
				if blk.Type != "tool_use" {
					continue
				}
				args, err := json.Marshal(blk.Input)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, oaiToolCall{
					ID:   blk.ID,
					Type: "function",
					Function: oaiToolFunction{
						Name:      blk.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, oaiMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func convertTools(tools []types.Tool) []oaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]oaiTool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, oaiTool{
			Type: "function",
			Function: oaiToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// ─── Streaming ────────────────────────────────────────────────────────────────

// StreamTurn implements types.Provider for the OpenAI-compatible dialect.
// Tool-call deltas arrive indexed; each index accumulates its argument JSON
// fragments until the stream finishes.
func (c *Client) StreamTurn(ctx context.Context, messages []types.ChatMessage, tools []types.Tool, system string, cb types.StreamCallbacks) (*types.StreamResult, error) {
	req := oaiRequest{
		Model:     c.model,
		Messages:  convertMessages(messages, system),
		Tools:     convertTools(types.CapTools(tools)),
		MaxTokens: c.maxTokens,
		Stream:    true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, string(errBody))
	}

	result := &types.StreamResult{
		State: types.ProviderState{Provider: ProviderName, Model: c.model},
	}

	type callAcc struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*callAcc)
	var text strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			result.State.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.State.Usage.InputTokens = chunk.Usage.PromptTokens
			result.State.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				cb.EmitText(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc := calls[tc.Index]
				if acc == nil {
					acc = &callAcc{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				result.State.StopReason = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	result.Text = text.String()
	if result.Text != "" {
		result.Blocks = append(result.Blocks, types.ContentBlock{Type: "text", Text: result.Text})
	}

	indices := make([]int, 0, len(calls))
	for idx := range calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		acc := calls[idx]
		input, parseRaw := parseToolArguments(acc.args.String())
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID: acc.id, Name: acc.name, Input: input, Raw: parseRaw,
		})
		result.Blocks = append(result.Blocks, types.ContentBlock{
			Type: "tool_use", ID: acc.id, Name: acc.name, Input: input,
			SegmentIndex: len(result.Blocks),
		})
	}

	return result, nil
}

// parseToolArguments decodes accumulated function-call argument JSON. An
// empty fragment yields an empty object. Concatenated objects (a provider
// quirk on retried streams) yield the first complete object. Fragments that
// parse as nothing degrade to {"raw": fragment}, with the fragment echoed
// back for diagnostics.
func parseToolArguments(raw string) (map[string]any, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, ""
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err == nil {
		return input, ""
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&input); err == nil && input != nil {
		return input, ""
	}

	return map[string]any{"raw": raw}, raw
}
