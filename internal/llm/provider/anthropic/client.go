package anthropic

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/evidara/evidara-ai/internal/llm/types"
)

// Anthropic API constants
const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-sonnet-4-20250514"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second

	// ProviderName tags messages persisted from this provider for replay.
	ProviderName = "anthropic"
)

// fallbackModels maps a configured model to the model retried once when the
// API reports it unknown. The substitution is reflected in ProviderState.Model.
var fallbackModels = map[string]string{
	"claude-opus-4-20250514": "claude-sonnet-4-20250514",
	"claude-3-5-sonnet":      "claude-3-5-sonnet-20241022",
}

// Client implements types.Provider for the Anthropic messages API, speaking
// SSE over plain HTTP.
type Client struct {
	apiKey         string
	model          string
	maxTokens      int
	thinkingBudget int // tokens allocated for extended thinking; 0 disables
	baseURL        string
	httpClient     *http.Client
}

// NewClient creates an Anthropic provider client. The API key and model fall
// back to ANTHROPIC_API_KEY / ANTHROPIC_MODEL when empty.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
	}

	if model == "" {
		model = os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = DefaultModel
		}
	}

	maxTokens := DefaultMaxTokens
	if maxTokensStr := os.Getenv("ANTHROPIC_MAX_TOKENS"); maxTokensStr != "" {
		if mt, err := strconv.Atoi(maxTokensStr); err == nil {
			maxTokens = mt
		}
	}

	baseURL := os.Getenv("ANTHROPIC_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// Name implements types.Provider.
func (c *Client) Name() string { return ProviderName }

// SetBaseURL overrides the Anthropic API base URL.  Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

// SetThinkingBudget enables extended thinking with the given token budget.
func (c *Client) SetThinkingBudget(tokens int) { c.thinkingBudget = tokens }

// ─── Wire types ───────────────────────────────────────────────────────────────

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock can be text, thinking, tool_use, or tool_result
type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Signature string         `json:"signature,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"` // for tool_result
}

// anthTool represents an Anthropic tool definition
type anthTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthThinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	Tools     []anthTool    `json:"tools,omitempty"`
	System    string        `json:"system,omitempty"`
	Thinking  *anthThinking `json:"thinking,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types from the Anthropic streaming API
type sseEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *sseDelta     `json:"delta,omitempty"`
	Usage        *anthUsage    `json:"usage,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Message      *sseMessage   `json:"message,omitempty"`
	Error        *sseError     `json:"error,omitempty"`
}

type sseDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type sseMessage struct {
	ID    string     `json:"id"`
	Model string     `json:"model"`
	Usage *anthUsage `json:"usage,omitempty"`
}

type sseError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ─── Conversions ──────────────────────────────────────────────────────────────

// convertMessages maps provider-neutral chat messages onto the Anthropic wire
// format. Tool results become user-role tool_result blocks, per the API.
func convertMessages(messages []types.ChatMessage) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "tool":
			result = append(result, anthMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			result = append(result, anthMessage{Role: "assistant", Content: convertBlocks(m)})
		default:
			result = append(result, anthMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return result
}

func convertBlocks(m types.ChatMessage) []contentBlock {
	if len(m.Blocks) == 0 {
		return []contentBlock{{Type: "text", Text: m.Content}}
	}
	out := make([]contentBlock, 0, len(m.Blocks))
	for _, blk := range m.Blocks {
		switch blk.Type {
		case "tool_use":
			cb := contentBlock{Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: blk.Input}
			if sig, ok := blk.ProviderFields["thought_signature"].(string); ok {
				cb.Signature = sig
			}
			out = append(out, cb)
		case "thinking":
			cb := contentBlock{Type: "thinking", Thinking: blk.Thinking}
			if sig, ok := blk.ProviderFields["thought_signature"].(string); ok {
				cb.Signature = sig
			}
			out = append(out, cb)
		default:
			if blk.Text != "" {
				out = append(out, contentBlock{Type: "text", Text: blk.Text})
			}
		}
	}
	if len(out) == 0 {
		out = append(out, contentBlock{Type: "text", Text: m.Content})
	}
	return out
}

// convertTools converts []types.Tool to the Anthropic native tool shape.
func convertTools(tools []types.Tool) []anthTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}
