package agent

import "time"

// Emitter event types, in the order a turn produces them. Thinking and
// segment events repeat per provider iteration; tool events repeat per call.
const (
	EventStart         = "main_agent_start"
	EventThinkingStart = "main_agent_thinking_start"
	EventThinkingToken = "main_agent_thinking_token"
	EventThinkingEnd   = "main_agent_thinking_end"
	EventThinkingTitle = "main_agent_thinking_title"
	EventSegmentStart  = "main_agent_segment_start"
	EventSegmentToken  = "main_agent_segment_token"
	EventSegmentEnd    = "main_agent_segment_end"
	EventToolStart     = "main_agent_tool_start"
	EventToolResult    = "main_agent_tool_result"
	EventComplete      = "main_agent_complete"
	EventError         = "main_agent_error"
)

// Event is one emitter frame pushed to the client during a turn.
type Event struct {
	Type      string         `json:"type"`
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EmitFunc receives emitter events. Delivery is best effort: a disconnected
// client must not fail the turn, so implementations swallow their own errors.
type EmitFunc func(Event)

// emitter stamps thread and run ids on every frame and tolerates a nil sink.
type emitter struct {
	threadID string
	runID    string
	fn       EmitFunc
}

func (e *emitter) emit(eventType string, data map[string]any) {
	if e.fn == nil {
		return
	}
	e.fn(Event{
		Type:      eventType,
		ThreadID:  e.threadID,
		RunID:     e.runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
