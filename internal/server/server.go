package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/evidara/evidara-ai/internal/agent"
	"github.com/evidara/evidara-ai/internal/db"
	"github.com/evidara/evidara-ai/internal/middleware"
)

// EngineFactory builds a turn engine for the requested provider name. An
// empty name selects the configured default provider.
type EngineFactory func(provider string) (*agent.Engine, error)

// Config holds the server's listen and origin settings.
type Config struct {
	Host string
	Port int
	// AllowedOrigins lists origins permitted to open WebSocket connections.
	// ["*"] allows any origin. Empty defaults to local development hosts.
	AllowedOrigins []string
	// ChatRequestsPerMin caps chat submissions per client address. 0 disables
	// throttling (tests, single-user deployments).
	ChatRequestsPerMin int
}

// Server is the HTTP and WebSocket front door for the agent service.
type Server struct {
	config  Config
	store   db.Store
	engines EngineFactory
	logger  *zap.Logger
	limiter *middleware.RateLimiter

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer creates a server over an event store and an engine factory.
func NewServer(cfg Config, store db.Store, engines EngineFactory, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engines == nil {
		return nil, fmt.Errorf("engine factory cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:  cfg,
		store:   store,
		engines: engines,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.ChatRequestsPerMin > 0 {
		srv.limiter = middleware.NewRateLimiter(cfg.ChatRequestsPerMin)
	}
	return srv, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: turns stream over WebSocket for minutes.
		IdleTimeout: 120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler returns the configured route mux. Useful for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return mux
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/threads", s.handleThreadCreate)
	mux.HandleFunc("GET /api/threads/{id}/events", s.handleThreadEvents)
	mux.HandleFunc("GET /api/threads/{id}/messages", s.handleThreadMessages)
	chatSend := s.handleChatSend
	if s.limiter != nil {
		chatSend = s.limiter.Wrap(chatSend)
	}
	mux.HandleFunc("POST /api/chat/send", chatSend)

	mux.HandleFunc("/ws/chat", s.handleWebSocket)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
