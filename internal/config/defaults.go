package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.ChatRequestsPerMin = 60

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.OpenAI = map[string]interface{}{
		"model":      "gpt-4o",
		"max_tokens": 4096,
	}
	cfg.LLM.Anthropic = map[string]interface{}{
		"model":                  "claude-sonnet-4-20250514",
		"max_tokens":             8192,
		"thinking_budget_tokens": 2048,
	}

	// Agent defaults
	cfg.Agent.MaxIterations = 8
	cfg.Agent.DrainGraceSeconds = 10
	cfg.Agent.SystemPromptPath = ""

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/evidara/evidara-ai.db"

	// Artifact defaults
	cfg.Artifacts.Root = "/var/lib/evidara/artifacts"
	cfg.Artifacts.CacheRoot = "/var/lib/evidara/cache"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
