// Package audio generates pronunciation audio for symbols.
package audio

import (
	"context"
	"fmt"
	"log/slog"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// Request is the text to speak. Pronunciation steers providers that accept
// voice instructions towards the selected reading.
type Request struct {
	Text          string
	Pronunciation string
}

// Provider defines the interface for text-to-speech providers
type Provider interface {
	// Generate speaks the request and returns the encoded audio.
	Generate(ctx context.Context, req Request) (*domain.Artifact, error)

	// Name returns the provider name
	Name() string

	// IsAvailable checks if the provider is properly configured and available
	IsAvailable() error
}

// Config holds common configuration for audio providers
type Config struct {
	Provider string // "openai" or "espeak"
	Fallback bool   // fall back to espeak-ng when the primary provider fails

	OpenAIKey         string
	OpenAIModel       string  // "tts-1", "tts-1-hd", or "gpt-4o-mini-tts"
	OpenAIVoice       string  // "alloy", "ash", "coral", "echo", "nova", "sage", ...
	OpenAISpeed       float64 // 0.25 to 4.0
	OpenAIInstruction string  // voice instructions, gpt-4o-mini-tts only
	OpenAIBaseURL     string

	ESpeakVoice string
	ESpeakSpeed int
}

// DefaultProviderConfig returns default configuration
func DefaultProviderConfig() *Config {
	return &Config{
		Provider:          "openai",
		Fallback:          true,
		OpenAIModel:       "gpt-4o-mini-tts",
		OpenAIVoice:       "alloy",
		OpenAISpeed:       0.9,
		OpenAIInstruction: "You are a Mandarin Chinese teacher. Speak standard Putonghua slowly and clearly for language learners.",
		ESpeakVoice:       "cmn",
		ESpeakSpeed:       130,
	}
}

// NewProvider creates the configured provider. With Fallback set and
// espeak-ng installed, the OpenAI provider is wrapped so that failures are
// retried locally.
func NewProvider(config *Config, logger *slog.Logger) (Provider, error) {
	if config == nil {
		config = DefaultProviderConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch config.Provider {
	case "openai":
		primary, err := NewOpenAIProvider(config)
		if err != nil {
			return nil, err
		}
		if !config.Fallback {
			return primary, nil
		}
		fallback := NewESpeakProvider(&ESpeakConfig{Voice: config.ESpeakVoice, Speed: config.ESpeakSpeed})
		if err := fallback.IsAvailable(); err != nil {
			logger.Warn("espeak-ng fallback unavailable", "error", err)
			return primary, nil
		}
		return NewProviderWithFallback(primary, fallback, logger), nil

	case "espeak":
		p := NewESpeakProvider(&ESpeakConfig{Voice: config.ESpeakVoice, Speed: config.ESpeakSpeed})
		if err := p.IsAvailable(); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown audio provider: %s", config.Provider)
	}
}

// ProviderWithFallback wraps a primary provider with a fallback option
type ProviderWithFallback struct {
	primary  Provider
	fallback Provider
	log      *slog.Logger
}

// NewProviderWithFallback creates a provider that falls back to secondary if primary fails
func NewProviderWithFallback(primary, fallback Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderWithFallback{
		primary:  primary,
		fallback: fallback,
		log:      logger,
	}
}

// Generate tries the primary provider first. If the fallback fails as well,
// the primary error is returned since it decides whether a retry helps.
func (p *ProviderWithFallback) Generate(ctx context.Context, req Request) (*domain.Artifact, error) {
	artifact, err := p.primary.Generate(ctx, req)
	if err == nil {
		return artifact, nil
	}
	p.log.Warn("primary audio provider failed, falling back",
		"primary", p.primary.Name(), "fallback", p.fallback.Name(), "error", err)

	artifact, fbErr := p.fallback.Generate(ctx, req)
	if fbErr != nil {
		p.log.Warn("fallback audio provider failed", "fallback", p.fallback.Name(), "error", fbErr)
		return nil, err
	}
	return artifact, nil
}

// Name returns the provider name
func (p *ProviderWithFallback) Name() string {
	return fmt.Sprintf("%s (fallback: %s)", p.primary.Name(), p.fallback.Name())
}

// IsAvailable checks if at least one provider is available
func (p *ProviderWithFallback) IsAvailable() error {
	primaryErr := p.primary.IsAvailable()
	if primaryErr == nil {
		return nil
	}

	fallbackErr := p.fallback.IsAvailable()
	if fallbackErr == nil {
		return nil
	}

	return fmt.Errorf("both providers unavailable: primary=%v, fallback=%v",
		primaryErr, fallbackErr)
}
