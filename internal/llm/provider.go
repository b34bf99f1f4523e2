package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderConfig selects and configures a concrete backend.
type ProviderConfig struct {
	Provider string // "anthropic", "openai", "google"
	APIKey   string
	Model    string
	BaseURL  string // OpenAI-compatible endpoints only

	RetryAttempts int
	RetryBackoff  time.Duration
}

// NewClient builds a provider-backed client wrapped with retry handling.
func NewClient(ctx context.Context, cfg ProviderConfig) (Client, error) {
	var (
		base Client
		err  error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		base, err = NewAnthropicClient(cfg.APIKey, cfg.Model)
	case "openai", "openai-compatible":
		base, err = NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "google", "gemini":
		base, err = NewGoogleClient(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewRetryingClient(base, cfg.RetryAttempts, cfg.RetryBackoff), nil
}
