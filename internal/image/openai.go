package image

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"codeberg.org/snonux/hanzirecall/internal"
	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// maxImageBytes caps images downloaded from a returned URL.
const maxImageBytes = 10 * 1024 * 1024

// OpenAIConfig configures the DALL-E client.
type OpenAIConfig struct {
	APIKey  string
	Model   string // "dall-e-2" or "dall-e-3"
	Size    string
	Quality string // dall-e-3 only
	Style   string // dall-e-3 only
	BaseURL string
}

// OpenAIClient generates images with DALL-E.
type OpenAIClient struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	size       string
	quality    string
	style      string
}

// NewOpenAIClient creates a new DALL-E client. Unset fields default to
// dall-e-2 at 512x512.
func NewOpenAIClient(config *OpenAIConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	c := &OpenAIClient{
		client:     openai.NewClientWithConfig(clientConfig),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		model:      config.Model,
		size:       config.Size,
		quality:    config.Quality,
		style:      config.Style,
	}
	if c.model == "" {
		c.model = openai.CreateImageModelDallE2
	}
	if c.size == "" {
		c.size = openai.CreateImageSize512x512
	}
	return c
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Generate requests a single image and returns its PNG bytes.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*domain.Artifact, error) {
	imageReq := openai.ImageRequest{
		Prompt:         createEducationalPrompt(req),
		Model:          c.model,
		N:              1,
		Size:           c.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	}
	if c.model == openai.CreateImageModelDallE3 {
		imageReq.Quality = c.quality
		imageReq.Style = c.style
	}

	resp, err := c.client.CreateImage(ctx, imageReq)
	if err != nil {
		return nil, internal.OpenAIError(c.Name(), "image", err)
	}
	if len(resp.Data) == 0 {
		return nil, internal.OpenAIError(c.Name(), "image", errors.New("no image returned"))
	}

	data := resp.Data[0]
	var raw []byte
	switch {
	case data.B64JSON != "":
		raw, err = base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return nil, internal.OpenAIError(c.Name(), "image", fmt.Errorf("decode image: %w", err))
		}
	case data.URL != "":
		raw, err = c.download(ctx, data.URL)
		if err != nil {
			return nil, &domain.ProviderError{Provider: c.Name(), Op: "download", Err: err}
		}
	default:
		return nil, internal.OpenAIError(c.Name(), "image", errors.New("empty image data"))
	}
	return &domain.Artifact{Data: raw, ContentType: http.DetectContentType(raw)}, nil
}

// download fetches an image URL, refusing bodies above maxImageBytes.
func (c *OpenAIClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds maximum size of %d bytes", maxImageBytes)
	}
	return data, nil
}
