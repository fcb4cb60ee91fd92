// Package image generates illustrative pictures for symbols.
package image

import (
	"context"
	"fmt"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// Request describes the symbol an image is generated for.
type Request struct {
	Symbol        string
	Meaning       string
	Pronunciation string
}

// Generator produces an image for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*domain.Artifact, error)
	Name() string
}

// Config selects and configures the image provider.
type Config struct {
	Provider string // "openai" or "imagen"

	OpenAIKey     string
	OpenAIModel   string
	OpenAISize    string
	OpenAIQuality string
	OpenAIStyle   string
	OpenAIBaseURL string

	GeminiKey     string
	ImagenModel   string
	GeminiBaseURL string
}

// NewGenerator creates the configured generator.
func NewGenerator(ctx context.Context, cfg *Config) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAIClient(&OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			Model:   cfg.OpenAIModel,
			Size:    cfg.OpenAISize,
			Quality: cfg.OpenAIQuality,
			Style:   cfg.OpenAIStyle,
			BaseURL: cfg.OpenAIBaseURL,
		}), nil
	case "imagen":
		return NewImagenClient(ctx, &ImagenConfig{
			APIKey:  cfg.GeminiKey,
			Model:   cfg.ImagenModel,
			BaseURL: cfg.GeminiBaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown image provider: %s", cfg.Provider)
	}
}
