package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/evidara/evidara-ai/internal/llm/types"
)

// StreamTurn implements types.Provider. It sends one streaming messages
// request and assembles the response while forwarding thinking and text
// tokens through the callbacks.
func (c *Client) StreamTurn(ctx context.Context, messages []types.ChatMessage, tools []types.Tool, system string, cb types.StreamCallbacks) (*types.StreamResult, error) {
	result, err := c.streamOnce(ctx, c.model, messages, tools, system, cb)
	if err != nil && isUnknownModel(err) {
		if fallback, ok := fallbackModels[c.model]; ok {
			result, err = c.streamOnce(ctx, fallback, messages, tools, system, cb)
		}
	}
	return result, err
}

func (c *Client) streamOnce(ctx context.Context, model string, messages []types.ChatMessage, tools []types.Tool, system string, cb types.StreamCallbacks) (*types.StreamResult, error) {
	req := anthRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(messages),
		Tools:     convertTools(types.CapTools(tools)),
		System:    system,
		Stream:    true,
	}
	if c.thinkingBudget > 0 {
		req.Thinking = &anthThinking{Type: "enabled", BudgetTokens: c.thinkingBudget}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apiError{Status: resp.StatusCode, Body: string(errBody)}
	}

	result := &types.StreamResult{
		State: types.ProviderState{Provider: ProviderName, Model: model},
	}
	if err := c.consumeStream(resp.Body, result, cb); err != nil {
		return nil, err
	}
	return result, nil
}

// blockAccumulator gathers one streamed content block across its deltas.
type blockAccumulator struct {
	blockType string
	text      strings.Builder
	thinking  strings.Builder
	signature strings.Builder
	toolID    string
	toolName  string
	inputJSON strings.Builder
}

// consumeStream parses the SSE body event by event, building the final
// result. Blocks are finalized on content_block_stop in stream order.
func (c *Client) consumeStream(body io.Reader, result *types.StreamResult, cb types.StreamCallbacks) error {
	blocks := make(map[int]*blockAccumulator)
	order := make([]int, 0, 4)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue // event: lines and keepalives carry no payload we need
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // tolerate malformed keepalive frames
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				if ev.Message.Model != "" {
					result.State.Model = ev.Message.Model
				}
				if ev.Message.Usage != nil {
					result.State.Usage.InputTokens = ev.Message.Usage.InputTokens
				}
			}

		case "content_block_start":
			acc := &blockAccumulator{blockType: "text"}
			if ev.ContentBlock != nil {
				acc.blockType = ev.ContentBlock.Type
				acc.toolID = ev.ContentBlock.ID
				acc.toolName = ev.ContentBlock.Name
			}
			blocks[ev.Index] = acc
			order = append(order, ev.Index)

		case "content_block_delta":
			acc := blocks[ev.Index]
			if acc == nil || ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				acc.text.WriteString(ev.Delta.Text)
				cb.EmitText(ev.Delta.Text)
			case "thinking_delta":
				acc.thinking.WriteString(ev.Delta.Thinking)
				cb.EmitThinking(ev.Delta.Thinking)
			case "signature_delta":
				acc.signature.WriteString(ev.Delta.Signature)
			case "input_json_delta":
				acc.inputJSON.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			if acc := blocks[ev.Index]; acc != nil {
				finalizeBlock(acc, result)
			}
			delete(blocks, ev.Index)

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				result.State.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				result.State.Usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			// remaining accumulators finalize below

		case "error":
			if ev.Error != nil {
				return fmt.Errorf("anthropic stream error (%s): %s", ev.Error.Type, ev.Error.Message)
			}
			return fmt.Errorf("anthropic stream error")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	// Streams truncated before content_block_stop still keep their partial blocks.
	for _, idx := range order {
		if acc, ok := blocks[idx]; ok {
			finalizeBlock(acc, result)
			delete(blocks, idx)
		}
	}
	return nil
}

// finalizeBlock appends a completed accumulator to the result. Tool input JSON
// that fails to parse degrades to {"raw": <fragment>} so the call still
// reaches the runtime and fails validation there.
func finalizeBlock(acc *blockAccumulator, result *types.StreamResult) {
	switch acc.blockType {
	case "text":
		text := acc.text.String()
		result.Text += text
		result.Blocks = append(result.Blocks, types.ContentBlock{
			Type: "text", Text: text, SegmentIndex: len(result.Blocks),
		})

	case "thinking":
		blk := types.ContentBlock{
			Type:         "thinking",
			Thinking:     acc.thinking.String(),
			SegmentIndex: len(result.Blocks),
		}
		if sig := acc.signature.String(); sig != "" {
			blk.ProviderFields = map[string]any{"thought_signature": sig}
		}
		result.Thinking += blk.Thinking
		result.Blocks = append(result.Blocks, blk)

	case "tool_use":
		raw := acc.inputJSON.String()
		input, parseRaw := parseToolInput(raw)
		call := types.ToolCall{ID: acc.toolID, Name: acc.toolName, Input: input, Raw: parseRaw}
		blk := types.ContentBlock{
			Type:         "tool_use",
			ID:           acc.toolID,
			Name:         acc.toolName,
			Input:        input,
			SegmentIndex: len(result.Blocks),
		}
		if sig := acc.signature.String(); sig != "" {
			blk.ProviderFields = map[string]any{"thought_signature": sig}
		}
		result.ToolCalls = append(result.ToolCalls, call)
		result.Blocks = append(result.Blocks, blk)
	}
}

// parseToolInput decodes accumulated tool argument JSON. An empty fragment
// yields an empty object. Concatenated objects (a provider quirk on retried
// streams) yield the first complete object. Fragments that parse as nothing
// degrade to {"raw": fragment}, with the fragment echoed back for diagnostics.
func parseToolInput(raw string) (map[string]any, string) {
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

// apiError is a non-200 response from the Anthropic API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("anthropic API error (status %d): %s", e.Status, e.Body)
}

func isUnknownModel(err error) bool {
	ae, ok := err.(*apiError)
	if !ok {
		return false
	}
	return ae.Status == http.StatusNotFound && strings.Contains(ae.Body, "model")
}
