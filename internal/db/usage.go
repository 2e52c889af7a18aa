package db

import (
	"context"
	"fmt"
	"time"
)

// UsageRecord is one provider round-trip's token accounting, keyed by thread
// and run so per-conversation spend can be reported.
type UsageRecord struct {
	ID           int64     `json:"id"`
	ThreadID     string    `json:"thread_id"`
	RunID        string    `json:"run_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// UsageTotals aggregates token counts over a window.
type UsageTotals struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (s *sqliteStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO token_usage (thread_id, run_id, provider, model, input_tokens, output_tokens, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, rec.ThreadID, rec.RunID, rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) QueryUsage(ctx context.Context, threadID string, from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, thread_id, run_id, provider, model, input_tokens, output_tokens, recorded_at
        FROM token_usage
        WHERE thread_id = ? AND recorded_at >= ? AND recorded_at <= ?
        ORDER BY recorded_at ASC, id ASC
    `, threadID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var recorded string
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.RunID, &rec.Provider, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &recorded); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.RecordedAt, _ = parseTime(recorded)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TotalUsage(ctx context.Context, from, to time.Time) (UsageTotals, error) {
	var totals UsageTotals
	err := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
        FROM token_usage
        WHERE recorded_at >= ? AND recorded_at <= ?
    `, from.UTC(), to.UTC()).Scan(&totals.InputTokens, &totals.OutputTokens)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("total usage: %w", err)
	}
	return totals, nil
}
