// Package llm selects and constructs chat providers.
package llm

import (
	"fmt"

	"github.com/evidara/evidara-ai/internal/llm/provider/anthropic"
	"github.com/evidara/evidara-ai/internal/llm/provider/mock"
	"github.com/evidara/evidara-ai/internal/llm/provider/openai"
	"github.com/evidara/evidara-ai/internal/llm/types"
)

// ProviderConfig carries the settings a provider needs at construction.
type ProviderConfig struct {
	Name           string // anthropic | openai | mock
	APIKey         string
	Model          string
	BaseURL        string // overrides the provider default; mainly for proxies
	ThinkingBudget int    // anthropic extended-thinking tokens; 0 disables
}

// NewProvider constructs the named provider. Unknown names and missing
// credentials are construction-time errors so misconfiguration surfaces at
// startup, not mid-conversation.
func NewProvider(cfg ProviderConfig) (types.Provider, error) {
	switch cfg.Name {
	case anthropic.ProviderName:
		client, err := anthropic.NewClient(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		if cfg.BaseURL != "" {
			client.SetBaseURL(cfg.BaseURL)
		}
		if cfg.ThinkingBudget > 0 {
			client.SetThinkingBudget(cfg.ThinkingBudget)
		}
		return client, nil

	case openai.ProviderName:
		client, err := openai.NewClient(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		if cfg.BaseURL != "" {
			client.SetBaseURL(cfg.BaseURL)
		}
		return client, nil

	case mock.ProviderName, "":
		return mock.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic, openai, or mock)", cfg.Name)
	}
}

// RequiresSignedToolCalls reports whether the named provider rejects replayed
// tool calls that lack thought-signature metadata.
func RequiresSignedToolCalls(name string) bool {
	// Anthropic extended-thinking replays require the signature blocks that
	// were streamed with the original response.
	return name == anthropic.ProviderName
}
