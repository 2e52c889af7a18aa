package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/evidara/evidara-ai/internal/agent"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// handleThreadCreate creates a new conversation thread.
func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	thread, err := s.store.CreateThread(r.Context())
	if err != nil {
		s.logger.Error("create thread failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread_id": thread.ID})
}

// handleThreadEvents returns a thread's ordered event log. Clients use it to
// rebuild state after a WebSocket disconnect.
func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		s.logger.Error("get thread failed", zap.Error(err), zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if thread == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}

	events, err := s.store.ListEvents(r.Context(), threadID)
	if err != nil {
		s.logger.Error("list events failed", zap.Error(err), zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"events":    events,
		"count":     len(events),
	})
}

// handleThreadMessages returns a thread's derived message view.
func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		s.logger.Error("get thread failed", zap.Error(err), zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if thread == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), threadID)
	if err != nil {
		s.logger.Error("list messages failed", zap.Error(err), zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  messages,
		"count":     len(messages),
	})
}

// chatSendRequest is the non-streaming chat request body.
type chatSendRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// handleChatSend runs a full turn synchronously and returns the final text
// plus the captured event list. It is the fallback for clients that cannot
// hold a WebSocket open.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	engine, err := s.engines(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The turn runs on this goroutine, so the capture needs no lock.
	var captured []agent.Event
	result, err := engine.RunTurn(r.Context(), req.ThreadID, req.Message, func(ev agent.Event) {
		captured = append(captured, ev)
	})
	if err != nil {
		s.logger.Error("turn failed", zap.Error(err), zap.String("thread_id", req.ThreadID))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"events": captured,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":  result.ThreadID,
		"run_id":     result.RunID,
		"final_text": result.FinalText,
		"iterations": result.Iterations,
		"capped":     result.Capped,
		"events":     captured,
	})
}
