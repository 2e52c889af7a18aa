// Package agent runs the conversational turn loop: derive the provider view
// from the event log, stream one provider turn, persist what came back,
// dispatch any tool calls, and repeat until the model stops asking for tools
// or the iteration cap trips.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidara/evidara-ai/internal/audit"
	"github.com/evidara/evidara-ai/internal/db"
	"github.com/evidara/evidara-ai/internal/llm/types"
	"github.com/evidara/evidara-ai/internal/metrics"
	"github.com/evidara/evidara-ai/internal/tool"
)

// DefaultMaxIterations bounds provider round-trips per turn.
const DefaultMaxIterations = 8

// DefaultDrainGrace is how long an in-flight tool call may finish persisting
// after the turn's context is canceled.
const DefaultDrainGrace = 10 * time.Second

// Config tunes one engine instance.
type Config struct {
	MaxIterations int
	SystemPrompt  string
	DrainGrace    time.Duration
	// RequiresSignedToolCalls mirrors the active provider's replay rules into
	// message view derivation.
	RequiresSignedToolCalls bool
	// ParallelTools dispatches the tool calls of one provider step
	// concurrently. Results persist in provider-declared order either way.
	ParallelTools bool
}

// Engine drives turns against one provider and one tool registry.
type Engine struct {
	store    db.Store
	provider types.Provider
	registry *tool.Registry
	audit    audit.Logger
	logger   *zap.Logger
	cfg      Config
}

// New creates a turn engine. A nil audit logger and nil zap logger degrade to
// no-ops.
func New(store db.Store, provider types.Provider, registry *tool.Registry, auditLog audit.Logger, logger *zap.Logger, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if auditLog == nil {
		auditLog = audit.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		provider: provider,
		registry: registry,
		audit:    auditLog,
		logger:   logger,
		cfg:      cfg,
	}
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	ThreadID   string `json:"thread_id"`
	RunID      string `json:"run_id"`
	FinalText  string `json:"final_text"`
	Iterations int    `json:"iterations"`
	Capped     bool   `json:"capped"`
}

// RunTurn appends the user message and runs the provider/tool loop to
// completion. Events stream through emit as they happen; the returned result
// carries the final assistant text. Tool failures never abort the turn (the
// error envelope goes back to the model); provider failures do.
func (e *Engine) RunTurn(ctx context.Context, threadID, userText string, emit EmitFunc) (*TurnResult, error) {
	started := time.Now()
	thread, err := e.store.EnsureThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("ensure thread: %w", err)
	}
	threadID = thread.ID
	runID := uuid.NewString()
	em := &emitter{threadID: threadID, runID: runID, fn: emit}

	userContent, _ := json.Marshal(db.TextContent{Text: userText})
	userEvent := &db.EventRecord{
		ThreadID:       threadID,
		Role:           db.RoleUser,
		Kind:           db.KindText,
		Content:        string(userContent),
		VisibleToModel: true,
	}
	if err := e.store.AppendEvent(ctx, userEvent); err != nil {
		return nil, fmt.Errorf("append user event: %w", err)
	}

	em.emit(EventStart, map[string]any{"provider": e.provider.Name()})
	_ = e.audit.LogTurnStarted(ctx, threadID, runID, e.provider.Name())

	result, err := e.runLoop(ctx, threadID, runID, em)
	duration := time.Since(started)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(e.provider.Name(), "error").Inc()
		_ = e.audit.LogTurnFailed(ctx, threadID, runID, err)
		em.emit(EventError, map[string]any{"error": err.Error()})
		e.logger.Error("turn failed",
			zap.String("thread_id", threadID),
			zap.String("run_id", runID),
			zap.Error(err))
		return nil, err
	}

	metrics.TurnsTotal.WithLabelValues(e.provider.Name(), "success").Inc()
	metrics.TurnDuration.WithLabelValues(e.provider.Name()).Observe(duration.Seconds())
	metrics.TurnIterations.WithLabelValues(e.provider.Name()).Observe(float64(result.Iterations))
	if result.Capped {
		_ = e.audit.LogTurnCapped(ctx, threadID, runID, e.cfg.MaxIterations)
	}
	_ = e.audit.LogTurnCompleted(ctx, threadID, runID, result.Iterations, duration)

	em.emit(EventComplete, map[string]any{
		"final_text": result.FinalText,
		"iterations": result.Iterations,
		"capped":     result.Capped,
	})
	return result, nil
}

func (e *Engine) runLoop(ctx context.Context, threadID, runID string, em *emitter) (*TurnResult, error) {
	tools := e.providerTools()
	opts := db.ViewOptions{
		Provider:                e.provider.Name(),
		RequiresSignedToolCalls: e.cfg.RequiresSignedToolCalls,
	}
	segmentIndex := 0

	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events, err := e.store.ListEvents(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		messages := db.BuildMessages(events, opts)

		streamed, err := e.streamIteration(ctx, messages, tools, em, &segmentIndex)
		if err != nil {
			metrics.LLMRequestsTotal.WithLabelValues(e.provider.Name(), "", "error").Inc()
			return nil, fmt.Errorf("provider turn: %w", err)
		}
		metrics.LLMRequestsTotal.WithLabelValues(e.provider.Name(), streamed.State.Model, "success").Inc()
		metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), streamed.State.Model, "input").Add(float64(streamed.State.Usage.InputTokens))
		metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), streamed.State.Model, "output").Add(float64(streamed.State.Usage.OutputTokens))
		e.recordUsage(ctx, threadID, runID, streamed)

		assistantEventID, err := e.persistAssistant(ctx, threadID, streamed)
		if err != nil {
			return nil, err
		}

		if len(streamed.ToolCalls) == 0 {
			return &TurnResult{
				ThreadID:   threadID,
				RunID:      runID,
				FinalText:  streamed.Text,
				Iterations: iter,
			}, nil
		}

		if err := e.executeToolCalls(ctx, threadID, runID, assistantEventID, streamed.ToolCalls, em); err != nil {
			return nil, err
		}
	}

	return e.capTurn(ctx, threadID, runID, em, segmentIndex)
}

// recordUsage appends token accounting for one provider round-trip. The
// ledger is best-effort; a write failure never aborts the turn.
func (e *Engine) recordUsage(ctx context.Context, threadID, runID string, streamed *types.StreamResult) {
	usage := streamed.State.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return
	}
	err := e.store.RecordUsage(ctx, &db.UsageRecord{
		ThreadID:     threadID,
		RunID:        runID,
		Provider:     e.provider.Name(),
		Model:        streamed.State.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
	if err != nil {
		e.logger.Warn("record token usage",
			zap.String("thread_id", threadID),
			zap.Error(err))
	}
}

// streamIteration runs one provider call, translating stream callbacks into
// emitter frames with proper open/close bracketing. segmentIndex is the
// turn-wide segment counter; it advances each time a segment closes so frames
// from later iterations keep ordering.
func (e *Engine) streamIteration(ctx context.Context, messages []types.ChatMessage, tools []types.Tool, em *emitter, segmentIndex *int) (*types.StreamResult, error) {
	thinkingOpen := false
	segmentOpen := false

	cb := types.StreamCallbacks{
		OnThinkingToken: func(token string) {
			if !thinkingOpen {
				em.emit(EventThinkingStart, nil)
				thinkingOpen = true
			}
			em.emit(EventThinkingToken, map[string]any{"token": token})
		},
		OnTextToken: func(token string) {
			if thinkingOpen {
				em.emit(EventThinkingEnd, nil)
				thinkingOpen = false
			}
			if !segmentOpen {
				em.emit(EventSegmentStart, map[string]any{"segment_index": *segmentIndex})
				segmentOpen = true
			}
			em.emit(EventSegmentToken, map[string]any{"token": token, "segment_index": *segmentIndex})
		},
	}

	start := time.Now()
	result, err := e.provider.StreamTurn(ctx, messages, tools, e.cfg.SystemPrompt, cb)
	if err != nil {
		return nil, err
	}
	metrics.LLMRequestDuration.WithLabelValues(e.provider.Name(), result.State.Model).Observe(time.Since(start).Seconds())

	if thinkingOpen {
		em.emit(EventThinkingEnd, nil)
		if title := thinkingTitle(result.Thinking); title != "" {
			em.emit(EventThinkingTitle, map[string]any{"title": title})
		}
	}
	if segmentOpen {
		em.emit(EventSegmentEnd, map[string]any{"segment_index": *segmentIndex})
		*segmentIndex++
	}
	return result, nil
}

// persistAssistant saves the assistant message and its canonical events.
// The provider block snapshot rides on the first event of the message so
// view derivation can replay it verbatim for the same provider.
func (e *Engine) persistAssistant(ctx context.Context, threadID string, streamed *types.StreamResult) (int64, error) {
	blocksJSON, _ := json.Marshal(streamed.Blocks)
	metaJSON, _ := json.Marshal(map[string]any{
		"model":       streamed.State.Model,
		"stop_reason": streamed.State.StopReason,
		"usage":       streamed.State.Usage,
	})
	msg := &db.MessageRecord{
		ThreadID:       threadID,
		Role:           db.RoleAssistant,
		Content:        streamed.Text,
		ContentBlocks:  string(blocksJSON),
		ProviderFormat: streamed.State.Provider,
		Metadata:       string(metaJSON),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("save assistant message: %w", err)
	}

	var lastEventID int64
	first := true
	appendOne := func(rec *db.EventRecord) error {
		rec.ThreadID = threadID
		rec.MessageID = msg.ID
		rec.Role = db.RoleAssistant
		rec.VisibleToModel = true
		if first {
			rec.ProviderFormat = msg.ProviderFormat
			rec.ContentBlocks = msg.ContentBlocks
			first = false
		}
		if err := e.store.AppendEvent(ctx, rec); err != nil {
			return fmt.Errorf("append assistant event: %w", err)
		}
		lastEventID = rec.ID
		return nil
	}

	for _, blk := range streamed.Blocks {
		switch blk.Type {
		case "text":
			if blk.Text == "" {
				continue
			}
			content, _ := json.Marshal(db.TextContent{Text: blk.Text, SegmentIndex: blk.SegmentIndex})
			if err := appendOne(&db.EventRecord{Kind: db.KindText, Content: string(content)}); err != nil {
				return 0, err
			}
		case "tool_use":
			content, _ := json.Marshal(db.ToolCallContent{
				ToolName:       blk.Name,
				Input:          blk.Input,
				SegmentIndex:   blk.SegmentIndex,
				ProviderFields: blk.ProviderFields,
				ExtraContent:   blk.ExtraContent,
			})
			if err := appendOne(&db.EventRecord{
				Kind:       db.KindToolCall,
				ToolCallID: blk.ID,
				Content:    string(content),
			}); err != nil {
				return 0, err
			}
		}
		// thinking blocks live only in the message snapshot
	}
	return lastEventID, nil
}

// pendingCall carries one tool call through the prepare/dispatch/persist
// phases of a provider step.
type pendingCall struct {
	call      types.ToolCall
	toolUseID string
	env       tool.Envelope
	duration  time.Duration
}

// executeToolCalls runs one provider step's tool calls and persists call +
// result with exactly-once completion. Dispatch errors surface as error
// envelopes, not turn failures. With ParallelTools set, dispatch runs
// concurrently; results still persist in provider-declared order so replayed
// histories are deterministic.
func (e *Engine) executeToolCalls(ctx context.Context, threadID, runID string, assistantEventID int64, calls []types.ToolCall, em *emitter) error {
	pending := make([]*pendingCall, 0, len(calls))
	for _, call := range calls {
		p := &pendingCall{call: call, toolUseID: call.ID}
		if p.toolUseID == "" {
			p.toolUseID = "toolu_" + uuid.NewString()
		}
		inputJSON, _ := json.Marshal(call.Input)

		if err := e.store.InsertToolInvocation(ctx, &db.ToolInvocationRecord{
			ID:               p.toolUseID,
			ThreadID:         threadID,
			AssistantEventID: assistantEventID,
			ToolName:         call.Name,
			Input:            string(inputJSON),
			Status:           db.InvocationPending,
		}); err != nil {
			return fmt.Errorf("insert tool invocation: %w", err)
		}

		em.emit(EventToolStart, map[string]any{
			"tool":        call.Name,
			"tool_use_id": p.toolUseID,
			"input":       call.Input,
		})
		_ = e.audit.LogToolDispatched(ctx, runID, call.Name, p.toolUseID)
		pending = append(pending, p)
	}

	if e.cfg.ParallelTools && len(pending) > 1 {
		var wg sync.WaitGroup
		for _, p := range pending {
			wg.Add(1)
			go func(p *pendingCall) {
				defer wg.Done()
				e.dispatchCall(ctx, threadID, runID, p)
			}(p)
		}
		wg.Wait()
	} else {
		for _, p := range pending {
			e.dispatchCall(ctx, threadID, runID, p)
		}
	}

	for _, p := range pending {
		if err := e.persistToolResult(ctx, threadID, runID, p, em); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchCall(ctx context.Context, threadID, runID string, p *pendingCall) {
	start := time.Now()
	p.env = e.registry.Dispatch(ctx, p.call.Name, p.call.Input, tool.Lineage{
		ThreadID:  threadID,
		RunID:     runID,
		ToolUseID: p.toolUseID,
	})
	p.duration = time.Since(start)
	metrics.ToolDispatchDuration.WithLabelValues(p.call.Name).Observe(p.duration.Seconds())
}

// persistToolResult appends the result event and closes the invocation row.
// When the turn context is already canceled, persistence drains on a
// background grace context.
func (e *Engine) persistToolResult(ctx context.Context, threadID, runID string, p *pendingCall, em *emitter) error {
	envJSON, err := json.Marshal(p.env)
	if err != nil {
		envJSON = []byte(`{"contract_version":"2.0","status":"error","summary":"result serialization failed"}`)
	}

	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), e.cfg.DrainGrace)
		defer cancel()
	}

	resultEvent := &db.EventRecord{
		ThreadID:       threadID,
		Role:           db.RoleTool,
		Kind:           db.KindToolResult,
		ToolCallID:     p.toolUseID,
		Content:        string(envJSON),
		VisibleToModel: true,
	}
	if err := e.store.AppendEvent(persistCtx, resultEvent); err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}

	status := db.InvocationSuccess
	errMsg := ""
	if p.env.Error != nil {
		status = db.InvocationError
		errMsg = p.env.Error.Message
	}
	if err := e.store.CompleteToolInvocation(persistCtx, p.toolUseID, resultEvent.ID, status, string(envJSON), errMsg); err != nil {
		e.logger.Warn("complete tool invocation",
			zap.String("tool_use_id", p.toolUseID),
			zap.Error(err))
	}

	_ = e.audit.LogToolCompleted(ctx, runID, p.call.Name, p.toolUseID, status, p.duration)
	em.emit(EventToolResult, map[string]any{
		"tool":        p.call.Name,
		"tool_use_id": p.toolUseID,
		"status":      p.env.Status,
		"summary":     p.env.Summary,
	})
	return nil
}

// capTurn closes out a turn that exhausted its iterations with a synthetic
// assistant notice so the history explains the stop.
func (e *Engine) capTurn(ctx context.Context, threadID, runID string, em *emitter, segmentIndex int) (*TurnResult, error) {
	text := fmt.Sprintf("Stopped after reaching the tool-iteration limit (%d). The results gathered so far may be incomplete.", e.cfg.MaxIterations)

	msg := &db.MessageRecord{
		ThreadID: threadID,
		Role:     db.RoleAssistant,
		Content:  text,
		Metadata: `{"capped":true}`,
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save cap message: %w", err)
	}
	content, _ := json.Marshal(db.TextContent{Text: text})
	if err := e.store.AppendEvent(ctx, &db.EventRecord{
		ThreadID:       threadID,
		MessageID:      msg.ID,
		Role:           db.RoleAssistant,
		Kind:           db.KindText,
		Content:        string(content),
		VisibleToModel: true,
	}); err != nil {
		return nil, fmt.Errorf("append cap event: %w", err)
	}

	em.emit(EventSegmentStart, map[string]any{"segment_index": segmentIndex})
	em.emit(EventSegmentToken, map[string]any{"token": text, "segment_index": segmentIndex})
	em.emit(EventSegmentEnd, map[string]any{"segment_index": segmentIndex})

	return &TurnResult{
		ThreadID:   threadID,
		RunID:      runID,
		FinalText:  text,
		Iterations: e.cfg.MaxIterations,
		Capped:     true,
	}, nil
}

// providerTools converts registry specs into the provider-neutral tool list.
func (e *Engine) providerTools() []types.Tool {
	specs := e.registry.Specs()
	out := make([]types.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, types.Tool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	return types.CapTools(out)
}

// thinkingTitle condenses a thinking transcript into a short display title.
func thinkingTitle(thinking string) string {
	line := strings.TrimSpace(thinking)
	if idx := strings.IndexAny(line, ".\n"); idx > 0 {
		line = line[:idx]
	}
	const maxTitle = 60
	if len(line) > maxTitle {
		line = strings.TrimSpace(line[:maxTitle]) + "…"
	}
	return line
}
