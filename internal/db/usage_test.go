package db

import (
	"context"
	"testing"
	"time"
)

func TestUsageLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	other, _ := s.CreateThread(ctx)

	recs := []*UsageRecord{
		{ThreadID: thread.ID, RunID: "run-1", Provider: "anthropic", Model: "claude-sonnet-4-20250514", InputTokens: 1200, OutputTokens: 340},
		{ThreadID: thread.ID, RunID: "run-1", Provider: "anthropic", Model: "claude-sonnet-4-20250514", InputTokens: 1900, OutputTokens: 120},
		{ThreadID: other.ID, RunID: "run-2", Provider: "openai", Model: "gpt-4o", InputTokens: 500, OutputTokens: 80},
	}
	for i, rec := range recs {
		if err := s.RecordUsage(ctx, rec); err != nil {
			t.Fatalf("RecordUsage %d: %v", i, err)
		}
		if rec.ID == 0 {
			t.Errorf("record %d: expected row id to be filled", i)
		}
	}

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)

	rows, err := s.QueryUsage(ctx, thread.ID, from, to)
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for thread, got %d", len(rows))
	}
	if rows[0].RunID != "run-1" || rows[0].InputTokens != 1200 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}

	totals, err := s.TotalUsage(ctx, from, to)
	if err != nil {
		t.Fatalf("TotalUsage: %v", err)
	}
	if totals.InputTokens != 3600 || totals.OutputTokens != 540 {
		t.Errorf("unexpected totals: %+v", totals)
	}

	// Empty window sums to zero, not an error.
	past := time.Now().UTC().Add(-48 * time.Hour)
	totals, err = s.TotalUsage(ctx, past, past.Add(time.Hour))
	if err != nil {
		t.Fatalf("TotalUsage empty window: %v", err)
	}
	if totals.InputTokens != 0 || totals.OutputTokens != 0 {
		t.Errorf("expected zero totals, got %+v", totals)
	}
}
