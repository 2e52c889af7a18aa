package db

import (
	"context"
	"time"
)

// Event roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Event kinds.
const (
	KindText       = "text"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
	KindControl    = "control"
)

// Tool invocation statuses.
const (
	InvocationPending = "pending"
	InvocationSuccess = "success"
	InvocationError   = "error"
)

// ThreadRecord is one conversation context. Threads are created on first user
// message, never mutated structurally, and soft-retained.
type ThreadRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is a per-turn assistant or user artifact. It stores the
// rendered text plus the provider-native content block sequence so the
// message can later be replayed faithfully to the same provider.
type MessageRecord struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ContentBlocks  string    `json:"content_blocks"`  // JSON array of content blocks
	ProviderFormat string    `json:"provider_format"` // provider tag for replay
	Metadata       string    `json:"metadata"`        // JSON object
	CreatedAt      time.Time `json:"created_at"`
}

// EventRecord is the durable, append-only unit of conversation history.
// Positions are strictly increasing and dense per thread.
type EventRecord struct {
	ID             int64     `json:"id"`
	ThreadID       string    `json:"thread_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Role           string    `json:"role"`
	Kind           string    `json:"kind"`
	Position       int       `json:"position"`
	Content        string    `json:"content"` // JSON payload, shape depends on kind
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	VisibleToModel bool      `json:"visible_to_model"`
	ProviderFormat string    `json:"message_provider_format,omitempty"`
	ContentBlocks  string    `json:"message_content_blocks,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolInvocationRecord is the ledger row for one dispatched tool call.
// Its id equals the tool_use_id correlating the call and result events.
type ToolInvocationRecord struct {
	ID               string    `json:"id"`
	ThreadID         string    `json:"thread_id"`
	AssistantEventID int64     `json:"assistant_event_id"`
	ResultEventID    int64     `json:"result_event_id,omitempty"`
	ToolName         string    `json:"tool_name"`
	Input            string    `json:"input"`  // JSON payload
	Status           string    `json:"status"` // pending | success | error
	Output           string    `json:"output"` // JSON envelope
	Error            string    `json:"error"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store is the persistence interface for the conversation event log.
//
// AppendEvent assigns the next per-thread position atomically; concurrent
// appends to the same thread serialize on the database transaction so the
// monotonic dense-position invariant holds without process-level locks.
type Store interface {
	// CreateThread creates a thread with a fresh id.
	CreateThread(ctx context.Context) (*ThreadRecord, error)

	// EnsureThread returns the thread with the given id, creating it when the
	// id is empty or unknown.
	EnsureThread(ctx context.Context, id string) (*ThreadRecord, error)

	// GetThread returns a thread or nil when absent.
	GetThread(ctx context.Context, id string) (*ThreadRecord, error)

	// SaveMessage persists a message, assigning an id when empty.
	SaveMessage(ctx context.Context, rec *MessageRecord) error

	// ListMessages returns a thread's messages in creation order.
	ListMessages(ctx context.Context, threadID string) ([]*MessageRecord, error)

	// AppendEvent appends one event, filling rec.Position and rec.ID.
	AppendEvent(ctx context.Context, rec *EventRecord) error

	// ListEvents returns a thread's events ordered by position.
	ListEvents(ctx context.Context, threadID string) ([]*EventRecord, error)

	// InsertToolInvocation records a dispatched call in status pending.
	InsertToolInvocation(ctx context.Context, rec *ToolInvocationRecord) error

	// CompleteToolInvocation moves pending → success|error exactly once.
	CompleteToolInvocation(ctx context.Context, id string, resultEventID int64, status, output, errMsg string) error

	// GetToolInvocation returns an invocation row or nil when absent.
	GetToolInvocation(ctx context.Context, id string) (*ToolInvocationRecord, error)

	// RecordUsage appends one provider round-trip's token counts.
	RecordUsage(ctx context.Context, rec *UsageRecord) error

	// QueryUsage returns a thread's usage rows within the window.
	QueryUsage(ctx context.Context, threadID string, from, to time.Time) ([]*UsageRecord, error)

	// TotalUsage sums token counts across all threads within the window.
	TotalUsage(ctx context.Context, from, to time.Time) (UsageTotals, error)

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}
