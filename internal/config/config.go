package config

import "context"

// Package config provides configuration management for evidara-ai.
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (EVIDARA_* prefix)
//  2. YAML config file (default: /etc/evidara/config.yaml)
//  3. Built-in defaults
//
// Main Configuration Sections:
//
//	1. Server
//	   - port: Listen port (default 8081)
//	   - tls_enabled / tls_cert_path / tls_key_path
//	   - allowed_origins: WebSocket origin allowlist
//	   - chat_requests_per_min: per-client chat submission cap (0 disables)
//
//	2. LLM Provider
//	   - provider: "anthropic" | "openai" | "mock"
//	   - anthropic / openai: per-provider model, max_tokens, base_url
//	   - thinking_budget_tokens: extended-thinking budget (anthropic)
//
//	3. Agent
//	   - max_iterations: tool-call iterations allowed per turn
//	   - drain_grace_seconds: time allowed to persist in-flight tool
//	     results after the turn context is cancelled
//	   - system_prompt_path: optional file overriding the built-in prompt
//
//	4. Database
//	   - sqlite_path: conversation event store location
//
//	5. Artifacts
//	   - root: large tool payload spill directory
//	   - cache_root: upstream response cache directory
//
//	6. Logging
//	   - level: "debug" | "info" | "warn" | "error"
//	   - format: "json" | "text"
//	   - audit_log_path / app_log_path and rotation settings

// Config contains all configuration fields.
type Config struct {
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// ChatRequestsPerMin caps chat submissions per client address.
		// 0 disables throttling.
		ChatRequestsPerMin int
	}

	LLM struct {
		Provider  string
		OpenAI    map[string]interface{}
		Anthropic map[string]interface{}
	}

	Agent struct {
		MaxIterations     int
		DrainGraceSeconds int
		SystemPromptPath  string
		ParallelTools     bool
	}

	Database struct {
		SQLitePath string
	}

	Artifacts struct {
		Root      string
		CacheRoot string
	}

	Logging struct {
		Level        string
		Format       string
		AuditLogPath string
		AppLogPath   string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/evidara/config.yaml")
}
