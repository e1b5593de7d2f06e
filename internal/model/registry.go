package model

import (
	"context"
	"fmt"
	"time"
)

// Provider names accepted by Open.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderScripted  = "scripted"
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	Name      string
	APIKey    string
	Model     string
	MaxTokens int
	// ScriptChunk and ScriptDelay shape the scripted provider's output.
	ScriptChunk int
	ScriptDelay time.Duration
}

// Open builds the configured provider client.
func Open(ctx context.Context, cfg ProviderConfig) (Client, error) {
	var (
		c   Client
		err error
	)
	switch cfg.Name {
	case ProviderAnthropic:
		c, err = unwrap(NewAnthropicFromAPIKey(cfg.APIKey, cfg.Model, cfg.MaxTokens))
	case ProviderOpenAI:
		c, err = unwrap(NewOpenAIFromAPIKey(cfg.APIKey, cfg.Model))
	case ProviderGemini:
		c, err = unwrap(NewGeminiFromAPIKey(ctx, cfg.APIKey, cfg.Model))
	case ProviderScripted, "":
		c = NewScripted(cfg.ScriptChunk, cfg.ScriptDelay)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s provider: %w", cfg.Name, err)
	}
	return c, nil
}

// unwrap keeps a typed nil pointer from becoming a non-nil Client.
func unwrap[T Client](c T, err error) (Client, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
