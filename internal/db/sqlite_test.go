package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Threads ──────────────────────────────────────────────────────────────────

func TestThreadLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateThread(ctx)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a thread id")
	}

	got, err := s.GetThread(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Errorf("expected thread %s, got %+v", created.ID, got)
	}

	// Unknown id returns nil, not an error.
	got, err = s.GetThread(ctx, "missing")
	if err != nil {
		t.Fatalf("GetThread missing: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown thread, got %+v", got)
	}
}

func TestEnsureThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Empty id mints a new thread.
	fresh, err := s.EnsureThread(ctx, "")
	if err != nil {
		t.Fatalf("EnsureThread(\"\"): %v", err)
	}
	if fresh.ID == "" {
		t.Fatal("expected generated id")
	}

	// Unknown id is created with that id.
	named, err := s.EnsureThread(ctx, "thread-abc")
	if err != nil {
		t.Fatalf("EnsureThread(named): %v", err)
	}
	if named.ID != "thread-abc" {
		t.Errorf("expected thread-abc, got %s", named.ID)
	}

	// Existing id is returned, not recreated.
	again, err := s.EnsureThread(ctx, "thread-abc")
	if err != nil {
		t.Fatalf("EnsureThread(existing): %v", err)
	}
	if again.ID != named.ID {
		t.Errorf("expected the same thread back, got %+v", again)
	}
}

// ─── Events ───────────────────────────────────────────────────────────────────

func TestAppendEventDensePositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	for i := 0; i < 5; i++ {
		rec := &EventRecord{
			ThreadID:       thread.ID,
			Role:           RoleUser,
			Kind:           KindText,
			Content:        fmt.Sprintf(`{"text":"message %d"}`, i),
			VisibleToModel: true,
		}
		if err := s.AppendEvent(ctx, rec); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if rec.Position != i+1 {
			t.Errorf("expected position %d, got %d", i+1, rec.Position)
		}
		if rec.ID == 0 {
			t.Error("expected row id to be filled")
		}
	}

	events, err := s.ListEvents(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Position != i+1 {
			t.Errorf("event %d: expected position %d, got %d", i, i+1, ev.Position)
		}
	}
}

func TestAppendEventConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	const workers = 4
	const perWorker = 10

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec := &EventRecord{
					ThreadID:       thread.ID,
					Role:           RoleUser,
					Kind:           KindText,
					Content:        fmt.Sprintf(`{"text":"w%d-%d"}`, w, i),
					VisibleToModel: true,
				}
				if err := s.AppendEvent(ctx, rec); err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	events, err := s.ListEvents(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != workers*perWorker {
		t.Fatalf("expected %d events, got %d", workers*perWorker, len(events))
	}
	// Dense, strictly increasing, no gaps.
	for i, ev := range events {
		if ev.Position != i+1 {
			t.Fatalf("position gap at index %d: got %d", i, ev.Position)
		}
	}
}

func TestAppendEventIsolatedPerThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateThread(ctx)
	b, _ := s.CreateThread(ctx)

	for i := 0; i < 3; i++ {
		if err := s.AppendEvent(ctx, &EventRecord{ThreadID: a.ID, Role: RoleUser, Kind: KindText, VisibleToModel: true}); err != nil {
			t.Fatalf("append a: %v", err)
		}
	}
	rec := &EventRecord{ThreadID: b.ID, Role: RoleUser, Kind: KindText, VisibleToModel: true}
	if err := s.AppendEvent(ctx, rec); err != nil {
		t.Fatalf("append b: %v", err)
	}
	if rec.Position != 1 {
		t.Errorf("positions must be per-thread; expected 1, got %d", rec.Position)
	}
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func TestSaveMessageDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, _ := s.CreateThread(ctx)

	rec := &MessageRecord{ThreadID: thread.ID, Role: RoleAssistant, Content: "hello"}
	if err := s.SaveMessage(ctx, rec); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected generated message id")
	}

	msgs, err := s.ListMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ContentBlocks != "[]" || msgs[0].Metadata != "{}" {
		t.Errorf("expected JSON defaults, got blocks=%q metadata=%q", msgs[0].ContentBlocks, msgs[0].Metadata)
	}
}

// ─── Tool invocations ─────────────────────────────────────────────────────────

func TestToolInvocationExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, _ := s.CreateThread(ctx)

	inv := &ToolInvocationRecord{
		ID:               "toolu_1",
		ThreadID:         thread.ID,
		AssistantEventID: 1,
		ToolName:         "calc",
		Input:            `{"expression":"2+2"}`,
	}
	if err := s.InsertToolInvocation(ctx, inv); err != nil {
		t.Fatalf("InsertToolInvocation: %v", err)
	}
	if inv.Status != InvocationPending {
		t.Errorf("expected pending default, got %s", inv.Status)
	}

	if err := s.CompleteToolInvocation(ctx, "toolu_1", 2, InvocationSuccess, `{"status":"ok"}`, ""); err != nil {
		t.Fatalf("CompleteToolInvocation: %v", err)
	}

	// Second completion must fail: pending → terminal happens exactly once.
	err := s.CompleteToolInvocation(ctx, "toolu_1", 3, InvocationError, "", "late")
	if err == nil {
		t.Fatal("expected second completion to fail")
	}

	got, err := s.GetToolInvocation(ctx, "toolu_1")
	if err != nil {
		t.Fatalf("GetToolInvocation: %v", err)
	}
	if got.Status != InvocationSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	if got.ResultEventID != 2 {
		t.Errorf("expected result event 2, got %d", got.ResultEventID)
	}
}

func TestGetToolInvocationMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetToolInvocation(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetToolInvocation: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown invocation, got %+v", got)
	}
}

// ─── Persistence health ───────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidara.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	thread, err := s1.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening runs migrate again; applied versions are skipped and data
	// survives.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetThread(context.Background(), thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil {
		t.Error("expected thread to survive reopen")
	}
}
