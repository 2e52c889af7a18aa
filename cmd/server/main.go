package main

// Package main is the entry point for the evidara-ai server.
//
// Startup order:
//  1. Load and validate configuration (YAML file + EVIDARA_* env vars)
//  2. Open the audit log and the application logger
//  3. Open the SQLite conversation event store
//  4. Build the artifact store and the tool registry
//  5. Wire the agent turn engine behind a per-request provider factory
//  6. Serve HTTP + WebSocket until SIGINT/SIGTERM, then drain gracefully
//
// Graceful shutdown cancels in-flight turns, closes HTTP listeners, and
// flushes the audit log before exit.

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/evidara/evidara-ai/internal/agent"
	"github.com/evidara/evidara-ai/internal/artifact"
	"github.com/evidara/evidara-ai/internal/audit"
	"github.com/evidara/evidara-ai/internal/config"
	"github.com/evidara/evidara-ai/internal/db"
	"github.com/evidara/evidara-ai/internal/llm"
	"github.com/evidara/evidara-ai/internal/server"
	"github.com/evidara/evidara-ai/internal/tool"
	"github.com/evidara/evidara-ai/internal/tools"
)

func main() {
	configPath := flag.String("config", "/etc/evidara/config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "evidara-ai: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	artifacts := artifact.NewStore(cfg.Artifacts.Root, cfg.Artifacts.CacheRoot)
	registry := tool.NewRegistry(artifacts)
	if err := tools.RegisterAll(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	systemPrompt, err := loadSystemPrompt(cfg.Agent.SystemPromptPath)
	if err != nil {
		return err
	}

	engines := func(providerName string) (*agent.Engine, error) {
		if providerName == "" {
			providerName = cfg.LLM.Provider
		}
		provider, err := llm.NewProvider(providerConfig(cfg, providerName))
		if err != nil {
			return nil, err
		}
		return agent.New(store, provider, registry, auditLog, logger, agent.Config{
			MaxIterations:           cfg.Agent.MaxIterations,
			SystemPrompt:            systemPrompt,
			DrainGrace:              time.Duration(cfg.Agent.DrainGraceSeconds) * time.Second,
			ParallelTools:           cfg.Agent.ParallelTools,
			RequiresSignedToolCalls: llm.RequiresSignedToolCalls(providerName),
		}), nil
	}

	srv, err := server.NewServer(server.Config{
		Port:               cfg.Server.Port,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		ChatRequestsPerMin: cfg.Server.ChatRequestsPerMin,
	}, store, engines, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("evidara-ai server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("db", cfg.Database.SQLitePath))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	if err := auditLog.Sync(); err != nil {
		logger.Warn("audit log sync failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// providerConfig extracts one provider's settings from the loaded config.
func providerConfig(cfg *config.Config, name string) llm.ProviderConfig {
	pc := llm.ProviderConfig{Name: name}

	var section map[string]interface{}
	switch name {
	case "anthropic":
		section = cfg.LLM.Anthropic
	case "openai":
		section = cfg.LLM.OpenAI
	default:
		return pc
	}

	if v, ok := section["api_key"].(string); ok {
		pc.APIKey = v
	}
	if v, ok := section["model"].(string); ok {
		pc.Model = v
	}
	if v, ok := section["base_url"].(string); ok {
		pc.BaseURL = v
	}
	switch v := section["thinking_budget_tokens"].(type) {
	case int:
		pc.ThinkingBudget = v
	case float64:
		pc.ThinkingBudget = int(v)
	}
	return pc
}

// loadSystemPrompt reads the prompt override file when configured. An empty
// path keeps the engine's built-in prompt.
func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(data), nil
}

// buildLogger constructs the application logger from the configured level
// and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if format == "text" {
		zapCfg.Encoding = "console"
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}
