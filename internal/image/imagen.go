package image

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// ImagenConfig configures the Google Imagen client.
type ImagenConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ImagenClient generates images with Imagen through the Gemini API.
type ImagenClient struct {
	client *genai.Client
	model  string
}

// NewImagenClient creates an Imagen client.
func NewImagenClient(ctx context.Context, config *ImagenConfig) (*ImagenClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = "imagen-3.0-generate-002"
	}
	return &ImagenClient{client: client, model: model}, nil
}

// Name returns the provider name
func (c *ImagenClient) Name() string {
	return "imagen"
}

// Generate requests a single square image.
func (c *ImagenClient) Generate(ctx context.Context, req Request) (*domain.Artifact, error) {
	resp, err := c.client.Models.GenerateImages(ctx, c.model, createEducationalPrompt(req), &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    "1:1",
	})
	if err != nil {
		return nil, c.providerError(err)
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, &domain.ProviderError{Provider: c.Name(), Op: "image", Err: errors.New("no image returned")}
	}

	generated := resp.GeneratedImages[0]
	if generated.Image == nil || len(generated.Image.ImageBytes) == 0 {
		reason := generated.RAIFilteredReason
		if reason == "" {
			reason = "empty image data"
		}
		// A filtered prompt is filtered again on retry.
		return nil, &domain.ProviderError{Provider: c.Name(), Op: "image", Err: errors.New(reason), Permanent: true}
	}

	contentType := generated.Image.MIMEType
	if contentType == "" {
		contentType = http.DetectContentType(generated.Image.ImageBytes)
	}
	return &domain.Artifact{Data: generated.Image.ImageBytes, ContentType: contentType}, nil
}

func (c *ImagenClient) providerError(err error) error {
	permanent := false
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		permanent = apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	return &domain.ProviderError{Provider: c.Name(), Op: "image", Err: err, Permanent: permanent}
}
