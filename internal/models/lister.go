package models

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Catalog is the model list split by what the pipeline uses it for.
type Catalog struct {
	Speech     []string
	Image      []string
	Dictionary []string
}

// Lister handles listing available OpenAI models
type Lister struct {
	apiKey string
	client *openai.Client
}

// NewLister creates a model lister. An empty baseURL uses the public API.
func NewLister(apiKey, baseURL string) *Lister {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Lister{
		apiKey: apiKey,
		client: openai.NewClientWithConfig(cfg),
	}
}

// Catalog fetches and categorizes the models of the account.
func (l *Lister) Catalog(ctx context.Context) (*Catalog, error) {
	if l.apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not found. Set OPENAI_API_KEY or configure it in .hanzirecall.yaml")
	}
	list, err := l.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	c := &Catalog{}
	for _, model := range list.Models {
		id := model.ID
		switch {
		case strings.Contains(id, "tts") || strings.Contains(id, "audio"):
			c.Speech = append(c.Speech, id)
		case strings.Contains(id, "dall-e") || strings.Contains(id, "image"):
			c.Image = append(c.Image, id)
		case strings.Contains(id, "gpt") || strings.Contains(id, "chat"):
			c.Dictionary = append(c.Dictionary, id)
		}
	}
	sort.Strings(c.Speech)
	sort.Strings(c.Image)
	sort.Strings(c.Dictionary)
	return c, nil
}

// ListAvailableModels writes the catalog to w.
func (l *Lister) ListAvailableModels(ctx context.Context, w io.Writer) error {
	c, err := l.Catalog(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Available OpenAI Models:")
	section(w, "Text-to-Speech (TTS) Models", c.Speech)
	section(w, "Image Generation Models", c.Image)
	section(w, "Chat Models (for dictionary lookups)", c.Dictionary)
	return nil
}

func section(w io.Writer, title string, ids []string) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if len(ids) == 0 {
		fmt.Fprintln(w, "  none found")
		return
	}
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", id)
	}
}
