// Package mock provides a deterministic offline provider. It inspects the
// latest message and scripts a plausible turn: arithmetic prompts produce a
// calc tool call, and pending tool results produce a final text answer that
// echoes the result summary. Useful for development without API keys and for
// exercising the full engine loop in tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/evidara/evidara-ai/internal/llm/types"
)

const ProviderName = "mock"

var arithmeticPattern = regexp.MustCompile(`[-+]?\(?\d+(?:\.\d+)?(?:\s*[-+*/()]\s*\(?\d+(?:\.\d+)?\)?)+\)?`)

// Provider is the deterministic mock provider.
type Provider struct {
	// CallCounter increments per StreamTurn; exposed for tests.
	CallCounter int
}

func New() *Provider { return &Provider{} }

// Name implements types.Provider.
func (p *Provider) Name() string { return ProviderName }

// StreamTurn implements types.Provider with scripted behavior:
//
//   - last message is a tool result → final text echoing the result value
//   - last user message contains an arithmetic expression and a calc tool is
//     offered → a single calc tool call carrying the expression
//   - otherwise → a short canned text reply
//
// Tokens flow through the callbacks word by word so streaming paths are
// exercised the same way live providers exercise them.
func (p *Provider) StreamTurn(ctx context.Context, messages []types.ChatMessage, tools []types.Tool, system string, cb types.StreamCallbacks) (*types.StreamResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.CallCounter++

	result := &types.StreamResult{
		State: types.ProviderState{Provider: ProviderName, Model: "mock-1", StopReason: "end_turn"},
	}

	if len(messages) == 0 {
		emitText(cb, result, "Hello.")
		return result, nil
	}

	last := messages[len(messages)-1]
	if last.Role == "tool" {
		emitText(cb, result, summarizeToolResult(last.Content))
		return result, nil
	}

	if expr := arithmeticPattern.FindString(last.Content); expr != "" && hasTool(tools, "calc") {
		emitThinking(cb, result, "Evaluating the expression with the calculator.")
		call := types.ToolCall{
			ID:    fmt.Sprintf("mock_call_%d", p.CallCounter),
			Name:  "calc",
			Input: map[string]any{"expression": strings.TrimSpace(expr)},
		}
		result.ToolCalls = append(result.ToolCalls, call)
		result.Blocks = append(result.Blocks, types.ContentBlock{
			Type: "tool_use", ID: call.ID, Name: call.Name, Input: call.Input,
			SegmentIndex: len(result.Blocks),
		})
		result.State.StopReason = "tool_use"
		return result, nil
	}

	emitText(cb, result, "I can search literature, grade evidence, and run calculations. What would you like to know?")
	return result, nil
}

func emitText(cb types.StreamCallbacks, result *types.StreamResult, text string) {
	for _, word := range strings.SplitAfter(text, " ") {
		cb.EmitText(word)
	}
	result.Text += text
	result.Blocks = append(result.Blocks, types.ContentBlock{
		Type: "text", Text: text, SegmentIndex: len(result.Blocks),
	})
}

func emitThinking(cb types.StreamCallbacks, result *types.StreamResult, text string) {
	cb.EmitThinking(text)
	result.Thinking += text
	result.Blocks = append(result.Blocks, types.ContentBlock{
		Type: "thinking", Thinking: text, SegmentIndex: len(result.Blocks),
	})
}

func hasTool(tools []types.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// summarizeToolResult extracts the most useful scalar from a tool result
// envelope so the scripted final answer reads naturally.
func summarizeToolResult(content string) string {
	var envelope struct {
		Summary string `json:"summary"`
		Data    any    `json:"data"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return content
	}
	if envelope.Error != nil {
		return "The tool failed: " + envelope.Error.Message
	}
	if data, ok := envelope.Data.(map[string]any); ok {
		if v, ok := data["value"]; ok {
			return formatScalar(v)
		}
	}
	if envelope.Summary != "" {
		return envelope.Summary
	}
	return content
}

func formatScalar(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
