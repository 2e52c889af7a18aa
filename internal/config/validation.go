package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
//
// Missing provider credentials are not a validation error: the server
// starts in degraded mode and chat requests fail with a clear envelope
// until a key is supplied.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.ChatRequestsPerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.chat_requests_per_min",
			Message: fmt.Sprintf("chat_requests_per_min cannot be negative, got %d", c.Server.ChatRequestsPerMin),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate LLM configuration
	validProviders := map[string]bool{
		"anthropic": true,
		"openai":    true,
		"mock":      true,
	}
	if !validProviders[c.LLM.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: anthropic, openai, mock", c.LLM.Provider),
		})
	}

	switch c.LLM.Provider {
	case "anthropic":
		if hasProviderKey(c.LLM.Anthropic, "ANTHROPIC_API_KEY") {
			if model, ok := c.LLM.Anthropic["model"].(string); !ok || model == "" {
				errs = append(errs, &ValidationError{
					Field:   "llm.anthropic.model",
					Message: "Anthropic model is required",
				})
			}
		}
	case "openai":
		if hasProviderKey(c.LLM.OpenAI, "OPENAI_API_KEY") {
			if model, ok := c.LLM.OpenAI["model"].(string); !ok || model == "" {
				errs = append(errs, &ValidationError{
					Field:   "llm.openai.model",
					Message: "OpenAI model is required",
				})
			}
		}
	}

	// Validate agent configuration
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, &ValidationError{
			Field:   "agent.max_iterations",
			Message: fmt.Sprintf("max_iterations must be at least 1, got %d", c.Agent.MaxIterations),
		})
	}

	if c.Agent.DrainGraceSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "agent.drain_grace_seconds",
			Message: fmt.Sprintf("drain_grace_seconds cannot be negative, got %d", c.Agent.DrainGraceSeconds),
		})
	}

	if c.Agent.SystemPromptPath != "" {
		if _, err := os.Stat(c.Agent.SystemPromptPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "agent.system_prompt_path",
				Message: fmt.Sprintf("system prompt file does not exist: %s", c.Agent.SystemPromptPath),
			})
		}
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate artifact configuration
	if c.Artifacts.Root == "" {
		errs = append(errs, &ValidationError{
			Field:   "artifacts.root",
			Message: "artifact root is required",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	if c.Logging.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be at least 1, got %d", c.Logging.MaxSizeMB),
		})
	}

	return errs
}

// hasProviderKey reports whether a provider has credentials via config or env.
func hasProviderKey(section map[string]interface{}, envVar string) bool {
	if apiKey, ok := section["api_key"].(string); ok && apiKey != "" {
		return true
	}
	return os.Getenv(envVar) != ""
}
