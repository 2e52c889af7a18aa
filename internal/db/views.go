package db

import (
	"encoding/json"

	"github.com/evidara/evidara-ai/internal/llm/types"
)

// Sentinels used when history cannot be replayed verbatim.
const (
	// HistoricalToolOutputPrefix marks an orphan tool_result downgraded to
	// plain assistant text so the model still sees the context.
	HistoricalToolOutputPrefix = "Historical tool output:"
	// MissingSignaturePlaceholder replaces a tool_use block replayed to a
	// provider that requires signed tool-call metadata the block lacks.
	MissingSignaturePlaceholder = "[tool_call_without_thought_signature]"
)

// TextContent is the event payload for kind=text.
type TextContent struct {
	Text         string `json:"text"`
	SegmentIndex int    `json:"segment_index,omitempty"`
}

// ToolCallContent is the event payload for kind=tool_call.
type ToolCallContent struct {
	ToolName     string         `json:"tool_name"`
	Input        map[string]any `json:"input"`
	SegmentIndex int            `json:"segment_index,omitempty"`
	// Opaque provider metadata carried through unchanged (thought signatures).
	ProviderFields map[string]any `json:"provider_specific_fields,omitempty"`
	ExtraContent   map[string]any `json:"extra_content,omitempty"`
}

// ViewOptions tune message view derivation per provider.
type ViewOptions struct {
	// Provider is the active provider tag; stored content blocks are replayed
	// verbatim only when their provider_format matches.
	Provider string
	// RequiresSignedToolCalls marks providers that reject replayed tool calls
	// lacking thought-signature metadata.
	RequiresSignedToolCalls bool
}

// BuildMessages derives the provider-native message sequence from a thread's
// canonical events. The result never contains half-paired tool blocks:
// orphan tool_result events are downgraded to assistant text carrying
// HistoricalToolOutputPrefix, and orphan tool_call events are dropped.
func BuildMessages(events []*EventRecord, opts ViewOptions) []types.ChatMessage {
	callIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)
	for _, ev := range events {
		if !ev.VisibleToModel || ev.ToolCallID == "" {
			continue
		}
		switch ev.Kind {
		case KindToolCall:
			callIDs[ev.ToolCallID] = true
		case KindToolResult:
			resultIDs[ev.ToolCallID] = true
		}
	}

	b := &viewBuilder{opts: opts, callIDs: callIDs, resultIDs: resultIDs}
	for _, ev := range events {
		if !ev.VisibleToModel {
			continue
		}
		switch ev.Kind {
		case KindText:
			b.onText(ev)
		case KindToolCall:
			b.onToolCall(ev)
		case KindToolResult:
			b.onToolResult(ev)
		case KindControl:
			// control events never reach the model
		}
	}
	b.flush()
	return b.out
}

type viewBuilder struct {
	opts      ViewOptions
	callIDs   map[string]bool
	resultIDs map[string]bool

	out []types.ChatMessage

	cur          *types.ChatMessage // pending assistant message
	curMessageID string
	curReplayed  bool            // cur was seeded from a verbatim block snapshot
	placeholders map[string]bool // tool_use ids already downgraded to placeholders
}

func (b *viewBuilder) onText(ev *EventRecord) {
	var content TextContent
	_ = json.Unmarshal([]byte(ev.Content), &content)

	switch ev.Role {
	case RoleAssistant:
		b.ensureAssistant(ev)
		if b.curReplayed {
			return // snapshot already carries this segment
		}
		b.cur.Blocks = append(b.cur.Blocks, types.ContentBlock{
			Type: "text", Text: content.Text, SegmentIndex: content.SegmentIndex,
		})
	case RoleSystem:
		b.flush()
		b.out = append(b.out, types.ChatMessage{Role: "system", Content: content.Text})
	default:
		b.flush()
		b.out = append(b.out, types.ChatMessage{Role: "user", Content: content.Text})
	}
}

func (b *viewBuilder) onToolCall(ev *EventRecord) {
	if !b.resultIDs[ev.ToolCallID] {
		return // orphan tool_call: providers reject half-pairs
	}
	var content ToolCallContent
	_ = json.Unmarshal([]byte(ev.Content), &content)

	b.ensureAssistant(ev)
	if b.curReplayed && (blocksContainToolUse(b.cur.Blocks, ev.ToolCallID) || b.placeholders[ev.ToolCallID]) {
		return // canonical call already represented in the replayed snapshot
	}

	if b.opts.RequiresSignedToolCalls && !hasThoughtSignature(content.ProviderFields, content.ExtraContent) {
		b.cur.Blocks = append(b.cur.Blocks, types.ContentBlock{Type: "text", Text: MissingSignaturePlaceholder})
		return
	}

	b.cur.Blocks = append(b.cur.Blocks, types.ContentBlock{
		Type:           "tool_use",
		ID:             ev.ToolCallID,
		Name:           content.ToolName,
		Input:          content.Input,
		SegmentIndex:   content.SegmentIndex,
		ProviderFields: content.ProviderFields,
		ExtraContent:   content.ExtraContent,
	})
}

func (b *viewBuilder) onToolResult(ev *EventRecord) {
	if !b.callIDs[ev.ToolCallID] {
		// Orphan tool_result: downgrade into assistant text so the model
		// keeps the context, and drop the correlation.
		b.flush()
		b.out = append(b.out, types.ChatMessage{
			Role:    "assistant",
			Content: HistoricalToolOutputPrefix + " " + ev.Content,
			Blocks: []types.ContentBlock{
				{Type: "text", Text: HistoricalToolOutputPrefix + " " + ev.Content},
			},
		})
		return
	}
	b.flush()
	b.out = append(b.out, types.ChatMessage{
		Role:       "tool",
		ToolCallID: ev.ToolCallID,
		Content:    ev.Content,
	})
}

// ensureAssistant opens (or continues) the assistant message the event
// belongs to, seeding it from the stored block snapshot when the active
// provider matches the snapshot's format.
func (b *viewBuilder) ensureAssistant(ev *EventRecord) {
	if b.cur != nil && (ev.MessageID == "" || ev.MessageID == b.curMessageID) {
		return
	}
	b.flush()
	b.cur = &types.ChatMessage{Role: "assistant"}
	b.curMessageID = ev.MessageID
	b.curReplayed = false

	if ev.ContentBlocks == "" || ev.ProviderFormat != b.opts.Provider || b.opts.Provider == "" {
		return
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal([]byte(ev.ContentBlocks), &blocks); err != nil {
		return
	}
	// De-duplicate: embedded tool_use blocks whose id matches a canonical
	// tool_call event yield to the canonical one; orphan embedded tool_use
	// blocks are dropped outright.
	kept := blocks[:0]
	for _, blk := range blocks {
		if blk.Type == "tool_use" {
			if !b.resultIDs[blk.ID] {
				continue
			}
			if b.opts.RequiresSignedToolCalls && !hasThoughtSignature(blk.ProviderFields, blk.ExtraContent) {
				if b.placeholders == nil {
					b.placeholders = make(map[string]bool)
				}
				b.placeholders[blk.ID] = true
				kept = append(kept, types.ContentBlock{Type: "text", Text: MissingSignaturePlaceholder})
				continue
			}
		}
		kept = append(kept, blk)
	}
	b.cur.Blocks = kept
	b.curReplayed = true
}

func (b *viewBuilder) flush() {
	if b.cur == nil {
		return
	}
	if len(b.cur.Blocks) > 0 {
		b.cur.Content = renderBlocksText(b.cur.Blocks)
		b.out = append(b.out, *b.cur)
	}
	b.cur = nil
	b.curMessageID = ""
	b.curReplayed = false
}

func renderBlocksText(blocks []types.ContentBlock) string {
	var text string
	for _, blk := range blocks {
		if blk.Type == "text" && blk.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += blk.Text
		}
	}
	return text
}

func blocksContainToolUse(blocks []types.ContentBlock, id string) bool {
	for _, blk := range blocks {
		if blk.Type == "tool_use" && blk.ID == id {
			return true
		}
	}
	return false
}

func hasThoughtSignature(providerFields, extra map[string]any) bool {
	if sig, ok := providerFields["thought_signature"]; ok && sig != nil {
		return true
	}
	if sig, ok := extra["thought_signature"]; ok && sig != nil {
		return true
	}
	return false
}
