package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/evidara/evidara-ai/internal/agent"
	"github.com/evidara/evidara-ai/internal/db"
	"github.com/evidara/evidara-ai/internal/llm/provider/mock"
	"github.com/evidara/evidara-ai/internal/tool"
	"github.com/evidara/evidara-ai/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tool.NewRegistry(nil)
	if err := registry.Register(tools.CalcSpec()); err != nil {
		t.Fatalf("register calc: %v", err)
	}

	engine := agent.New(store, mock.New(), registry, nil, zap.NewNop(), agent.Config{})

	factory := func(provider string) (*agent.Engine, error) {
		if provider != "" && provider != "mock" {
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
		return engine, nil
	}

	srv, err := NewServer(Config{Port: 0}, store, factory, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec, body := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
}

func TestThreadCreateAndFetch(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec, body := doJSON(t, handler, http.MethodPost, "/api/threads", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	threadID, _ := body["thread_id"].(string)
	if threadID == "" {
		t.Fatal("Expected thread_id in response")
	}

	rec, body = doJSON(t, handler, http.MethodGet, "/api/threads/"+threadID+"/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if count, _ := body["count"].(float64); count != 0 {
		t.Errorf("Expected empty event log, got count %v", body["count"])
	}

	rec, _ = doJSON(t, handler, http.MethodGet, "/api/threads/"+threadID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for messages, got %d", rec.Code)
	}
}

func TestThreadEventsNotFound(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec, _ := doJSON(t, handler, http.MethodGet, "/api/threads/no-such-thread/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestChatSend(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec, body := doJSON(t, handler, http.MethodPost, "/api/chat/send", map[string]any{
		"message": "What is (2+3)*4?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if got, _ := body["final_text"].(string); got != "20" {
		t.Errorf("Expected final text 20, got %q", got)
	}
	if capped, _ := body["capped"].(bool); capped {
		t.Error("Turn should not be capped")
	}

	events, _ := body["events"].([]any)
	if len(events) == 0 {
		t.Fatal("Expected captured events")
	}
	first, _ := events[0].(map[string]any)
	last, _ := events[len(events)-1].(map[string]any)
	if first["type"] != agent.EventStart {
		t.Errorf("Expected first event %s, got %v", agent.EventStart, first["type"])
	}
	if last["type"] != agent.EventComplete {
		t.Errorf("Expected last event %s, got %v", agent.EventComplete, last["type"])
	}

	// The persisted log is fetchable for reconnect recovery.
	threadID, _ := body["thread_id"].(string)
	rec, body = doJSON(t, handler, http.MethodGet, "/api/threads/"+threadID+"/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if count, _ := body["count"].(float64); count != 4 {
		t.Errorf("Expected 4 persisted events, got %v", body["count"])
	}
}

func TestChatSendValidation(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec, _ := doJSON(t, handler, http.MethodPost, "/api/chat/send", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing message, got %d", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/chat/send", map[string]any{
		"message":  "hello",
		"provider": "no-such-provider",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown provider, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid JSON, got %d", rec2.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "evidara_ai") {
		t.Error("Expected evidara_ai metrics in exposition")
	}
}
