package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the tables for the conversation persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS threads (
    id          TEXT PRIMARY KEY,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    thread_id       TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    content_blocks  TEXT NOT NULL DEFAULT '[]',
    provider_format TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    created_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at ASC);

CREATE TABLE IF NOT EXISTS conversation_events (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id               TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    message_id              TEXT NOT NULL DEFAULT '',
    role                    TEXT NOT NULL,
    kind                    TEXT NOT NULL,
    position                INTEGER NOT NULL,
    content                 TEXT NOT NULL DEFAULT '{}',
    tool_call_id            TEXT NOT NULL DEFAULT '',
    visible_to_model        INTEGER NOT NULL DEFAULT 1,
    message_provider_format TEXT NOT NULL DEFAULT '',
    message_content_blocks  TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    UNIQUE(thread_id, position)
);
CREATE INDEX IF NOT EXISTS idx_events_thread_position ON conversation_events(thread_id, position ASC);
CREATE INDEX IF NOT EXISTS idx_events_tool_call ON conversation_events(thread_id, tool_call_id);

CREATE TABLE IF NOT EXISTS tool_invocations (
    id                  TEXT PRIMARY KEY,
    thread_id           TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    assistant_event_id  INTEGER NOT NULL,
    result_event_id     INTEGER,
    tool_name           TEXT NOT NULL,
    input               TEXT NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL DEFAULT 'pending',
    output              TEXT NOT NULL DEFAULT '',
    error               TEXT NOT NULL DEFAULT '',
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_thread ON tool_invocations(thread_id, created_at ASC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS token_usage (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id     TEXT NOT NULL,
    run_id        TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL DEFAULT '',
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    recorded_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_thread ON token_usage(thread_id, recorded_at ASC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serializes appenders instead of surfacing SQLITE_BUSY, and keeps
	// :memory: databases shared across calls.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Threads ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateThread(ctx context.Context) (*ThreadRecord, error) {
	now := time.Now().UTC()
	rec := &ThreadRecord{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads(id, created_at, updated_at) VALUES(?,?,?)`,
		rec.ID, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return rec, nil
}

func (s *sqliteStore) EnsureThread(ctx context.Context, id string) (*ThreadRecord, error) {
	if id == "" {
		return s.CreateThread(ctx)
	}
	rec, err := s.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	now := time.Now().UTC()
	rec = &ThreadRecord{ID: id, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads(id, created_at, updated_at) VALUES(?,?,?)
         ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure thread: %w", err)
	}
	return rec, nil
}

func (s *sqliteStore) GetThread(ctx context.Context, id string) (*ThreadRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at, updated_at FROM threads WHERE id=?`, id)
	var rec ThreadRecord
	var created, updated string
	if err := row.Scan(&rec.ID, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	rec.CreatedAt, _ = parseTime(created)
	rec.UpdatedAt, _ = parseTime(updated)
	return &rec, nil
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ContentBlocks == "" {
		rec.ContentBlocks = "[]"
	}
	if rec.Metadata == "" {
		rec.Metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO messages(id, thread_id, role, content, content_blocks, provider_format, metadata, created_at)
        VALUES(?,?,?,?,?,?,?,?)
    `, rec.ID, rec.ThreadID, rec.Role, rec.Content, rec.ContentBlocks, rec.ProviderFormat, rec.Metadata, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, threadID string) ([]*MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, thread_id, role, content, content_blocks, provider_format, metadata, created_at
        FROM messages WHERE thread_id=? ORDER BY created_at ASC, id ASC
    `, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Role, &rec.Content, &rec.ContentBlocks, &rec.ProviderFormat, &rec.Metadata, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(created)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ─── Events ───────────────────────────────────────────────────────────────────

// AppendEvent assigns the next position inside a transaction. The UNIQUE
// (thread_id, position) constraint backstops concurrent appenders: a loser
// of the race fails the insert and retries with a fresh position.
func (s *sqliteStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	if rec.ThreadID == "" {
		return fmt.Errorf("append event: thread id is required")
	}
	if rec.Content == "" {
		rec.Content = "{}"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.tryAppendEvent(ctx, rec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("append event after %d attempts: %w", maxAttempts, lastErr)
}

func (s *sqliteStore) tryAppendEvent(ctx context.Context, rec *EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM conversation_events WHERE thread_id=?`,
		rec.ThreadID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
        INSERT INTO conversation_events(
            thread_id, message_id, role, kind, position, content, tool_call_id,
            visible_to_model, message_provider_format, message_content_blocks, created_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `, rec.ThreadID, rec.MessageID, rec.Role, rec.Kind, next, rec.Content, rec.ToolCallID,
		boolToInt(rec.VisibleToModel), rec.ProviderFormat, rec.ContentBlocks, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at=? WHERE id=?`, time.Now().UTC(), rec.ThreadID); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	rec.Position = next
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) ListEvents(ctx context.Context, threadID string) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, thread_id, message_id, role, kind, position, content, tool_call_id,
               visible_to_model, message_provider_format, message_content_blocks, created_at
        FROM conversation_events WHERE thread_id=? ORDER BY position ASC
    `, threadID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var visible int
		var created string
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.MessageID, &rec.Role, &rec.Kind, &rec.Position,
			&rec.Content, &rec.ToolCallID, &visible, &rec.ProviderFormat, &rec.ContentBlocks, &created); err != nil {
			return nil, err
		}
		rec.VisibleToModel = visible != 0
		rec.CreatedAt, _ = parseTime(created)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ─── Tool invocations ─────────────────────────────────────────────────────────

func (s *sqliteStore) InsertToolInvocation(ctx context.Context, rec *ToolInvocationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("tool invocation requires an id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = InvocationPending
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tool_invocations(id, thread_id, assistant_event_id, result_event_id, tool_name, input, status, output, error, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `, rec.ID, rec.ThreadID, rec.AssistantEventID, nullableID(rec.ResultEventID), rec.ToolName, rec.Input,
		rec.Status, rec.Output, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tool invocation: %w", err)
	}
	return nil
}

func (s *sqliteStore) CompleteToolInvocation(ctx context.Context, id string, resultEventID int64, status, output, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tool_invocations
        SET result_event_id=?, status=?, output=?, error=?, updated_at=?
        WHERE id=? AND status=?
    `, resultEventID, status, output, errMsg, time.Now().UTC(), id, InvocationPending)
	if err != nil {
		return fmt.Errorf("complete tool invocation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tool invocation %q is not pending", id)
	}
	return nil
}

func (s *sqliteStore) GetToolInvocation(ctx context.Context, id string) (*ToolInvocationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, thread_id, assistant_event_id, COALESCE(result_event_id, 0), tool_name, input, status, output, error, created_at, updated_at
        FROM tool_invocations WHERE id=?
    `, id)
	var rec ToolInvocationRecord
	var created, updated string
	if err := row.Scan(&rec.ID, &rec.ThreadID, &rec.AssistantEventID, &rec.ResultEventID, &rec.ToolName,
		&rec.Input, &rec.Status, &rec.Output, &rec.Error, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tool invocation: %w", err)
	}
	rec.CreatedAt, _ = parseTime(created)
	rec.UpdatedAt, _ = parseTime(updated)
	return &rec, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// parseTime handles the timestamp formats SQLite hands back.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
