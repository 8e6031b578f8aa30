// Package llm provides the text generation capability the query agent and
// orchestrator build on. Retry and rate limiting are deliberately absent at
// this boundary; callers own their own retry semantics.
package llm

import (
	"context"
	"fmt"
)

// Generator produces text from a prompt and a system prompt. Implementations
// wrap one model API; the rest of the system treats generation as opaque.
type Generator interface {
	// Generate returns the model's text output for the given prompts.
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)

	// Provider returns the provider name for logging and metrics.
	Provider() string
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider    string  // anthropic, openai
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// New creates a Generator for the configured provider.
func New(cfg Config) (Generator, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	switch cfg.Provider {
	case "anthropic":
		return newAnthropicGenerator(cfg), nil
	case "openai":
		return newOpenAIGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
