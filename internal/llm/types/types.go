package types

import "context"

// ChatMessage is one provider-neutral message in a conversation. Content holds
// the rendered text; Blocks holds the structured content block sequence when
// one exists (assistant tool_use, thinking, replayed provider blocks).
type ChatMessage struct {
	Role       string         `json:"role"` // user, assistant, system, tool
	Content    string         `json:"content"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // set on role=tool messages
}

// ContentBlock is one structured block inside a message. The shape mirrors
// provider content blocks closely enough for lossless replay.
type ContentBlock struct {
	Type         string         `json:"type"` // text, thinking, tool_use, tool_result
	Text         string         `json:"text,omitempty"`
	Thinking     string         `json:"thinking,omitempty"`
	ID           string         `json:"id,omitempty"`   // tool_use id
	Name         string         `json:"name,omitempty"` // tool name
	Input        map[string]any `json:"input,omitempty"`
	ToolUseID    string         `json:"tool_use_id,omitempty"` // tool_result correlation
	Content      string         `json:"content,omitempty"`     // tool_result body
	SegmentIndex int            `json:"segment_index,omitempty"`
	// ProviderFields and ExtraContent are opaque provider metadata (thought
	// signatures and the like) carried through event content unchanged.
	ProviderFields map[string]any `json:"provider_specific_fields,omitempty"`
	ExtraContent   map[string]any `json:"extra_content,omitempty"`
}

// Tool is a schema-described operation callable by the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is one tool invocation request assembled from a provider stream.
// Raw preserves the accumulated argument JSON when it failed to parse.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
	Raw   string         `json:"raw,omitempty"`
}

// Usage tracks token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderState carries provider bookkeeping out of a streamed turn.
type ProviderState struct {
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	StopReason  string         `json:"stop_reason"`
	Usage       Usage          `json:"usage"`
	ReplayHints map[string]any `json:"replay_hints,omitempty"`
}

// StreamResult is the assembled outcome of one streamed provider turn.
type StreamResult struct {
	Text      string         `json:"text"`
	Thinking  string         `json:"thinking"`
	Blocks    []ContentBlock `json:"blocks"`
	ToolCalls []ToolCall     `json:"tool_calls"`
	State     ProviderState  `json:"provider_state"`
}

// StreamCallbacks receive tokens as they arrive from the provider stream,
// in stream order, on the task that invoked StreamTurn.
type StreamCallbacks struct {
	OnThinkingToken func(token string)
	OnTextToken     func(token string)
}

func (cb StreamCallbacks) EmitThinking(token string) {
	if cb.OnThinkingToken != nil && token != "" {
		cb.OnThinkingToken(token)
	}
}

func (cb StreamCallbacks) EmitText(token string) {
	if cb.OnTextToken != nil && token != "" {
		cb.OnTextToken(token)
	}
}

// Provider is any object that can stream one conversational turn.
type Provider interface {
	// Name returns the provider tag stored on messages for replay decisions.
	Name() string
	// StreamTurn consumes an incremental provider stream, forwarding thinking
	// and text tokens via callbacks as they arrive, and returns the assembled
	// result once the provider finishes the turn.
	StreamTurn(ctx context.Context, messages []ChatMessage, tools []Tool, system string, cb StreamCallbacks) (*StreamResult, error)
}

// MaxToolsPerRequest caps the tool array sent to a provider; APIs reject
// larger arrays.
const MaxToolsPerRequest = 128

// CapTools truncates the tool list to MaxToolsPerRequest.
func CapTools(tools []Tool) []Tool {
	if len(tools) > MaxToolsPerRequest {
		return tools[:MaxToolsPerRequest]
	}
	return tools
}
