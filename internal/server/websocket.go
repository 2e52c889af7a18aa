package server

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evidara/evidara-ai/internal/agent"
	"github.com/evidara/evidara-ai/internal/metrics"
)

// Inbound WebSocket message types.
const (
	MessageTypeUser      = "user_message"
	MessageTypeChat      = "main_agent_chat" // legacy alias for user_message
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeHeartbeat = "heartbeat"
)

// wsRequest is an incoming WebSocket client message.
type wsRequest struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsControl is a server-originated control frame (pong, heartbeat, errors
// raised outside a running turn).
type wsControl struct {
	Type      string    `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// defaultAllowedOrigins covers local development frontends.
var defaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// checkOrigin builds the upgrader origin check from the configured allowlist.
// Requests without an Origin header (non-browser clients) are allowed.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		allowed = defaultAllowedOrigins
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" {
				return true
			}
			if a == origin || a == parsed.Scheme+"://"+parsed.Host {
				return true
			}
		}
		return false
	}
}

// wsConnection is one active chat connection. One turn runs at a time; reads
// block while a turn streams.
type wsConnection struct {
	conn     *websocket.Conn
	server   *Server
	engine   *agent.Engine
	threadID string
	mu       sync.Mutex
	done     chan struct{}
}

// handleWebSocket upgrades and serves a streaming chat connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	providerName := r.URL.Query().Get("provider")

	engine, err := s.engines(providerName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(s.config.AllowedOrigins),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	wsc := &wsConnection{
		conn:     conn,
		server:   s,
		engine:   engine,
		threadID: threadID,
		done:     make(chan struct{}),
	}

	s.logger.Info("websocket connection established",
		zap.String("thread_id", threadID),
		zap.String("provider", providerName))

	wsc.handle(r)
}

// handle runs the connection's read loop until close.
func (wsc *wsConnection) handle(r *http.Request) {
	defer func() {
		close(wsc.done)
		wsc.conn.Close()
		wsc.server.logger.Info("websocket connection closed", zap.String("thread_id", wsc.threadID))
	}()

	go wsc.heartbeat()

	for {
		var req wsRequest
		if err := wsc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wsc.server.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		switch req.Type {
		case MessageTypePing:
			wsc.sendControl(wsControl{Type: MessageTypePong, Timestamp: time.Now().UTC()})

		case MessageTypeUser, MessageTypeChat:
			if req.Content == "" {
				wsc.sendControl(wsControl{
					Type:      agent.EventError,
					ThreadID:  wsc.threadID,
					Error:     "content is required",
					Timestamp: time.Now().UTC(),
				})
				continue
			}
			wsc.runTurn(r, req.Content)

		default:
			wsc.sendControl(wsControl{
				Type:      agent.EventError,
				ThreadID:  wsc.threadID,
				Error:     "unknown message type: " + req.Type,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// runTurn drives one agent turn, streaming emitter events to the client.
func (wsc *wsConnection) runTurn(r *http.Request, content string) {
	result, err := wsc.engine.RunTurn(r.Context(), wsc.threadID, content, func(ev agent.Event) {
		metrics.EventsEmittedTotal.WithLabelValues(ev.Type).Inc()
		wsc.send(ev)
	})
	if err != nil {
		// RunTurn already emitted main_agent_error; nothing more to send.
		wsc.server.logger.Error("websocket turn failed", zap.Error(err), zap.String("thread_id", wsc.threadID))
		return
	}
	// Later messages on this connection continue the same thread.
	wsc.threadID = result.ThreadID
}

// send writes one emitter event. Write errors are swallowed: a disconnected
// client must not fail the turn.
func (wsc *wsConnection) send(v any) {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()

	wsc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := wsc.conn.WriteJSON(v); err != nil {
		wsc.server.logger.Debug("websocket write failed", zap.Error(err))
	}
}

func (wsc *wsConnection) sendControl(frame wsControl) {
	metrics.EventsEmittedTotal.WithLabelValues(frame.Type).Inc()
	wsc.send(frame)
}

// heartbeat keeps intermediaries from idling out the connection.
func (wsc *wsConnection) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.done:
			return
		case <-ticker.C:
			wsc.send(wsControl{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}
