package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"codeberg.org/snonux/hanzirecall/internal"
	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// OpenAIProvider implements Provider interface for OpenAI TTS
type OpenAIProvider struct {
	client *openai.Client
	config *Config
}

// NewOpenAIProvider creates a new OpenAI TTS provider
func NewOpenAIProvider(config *Config) (*OpenAIProvider, error) {
	if config.OpenAIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(config.OpenAIKey)
	if config.OpenAIBaseURL != "" {
		clientConfig.BaseURL = config.OpenAIBaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Generate speaks the symbol with OpenAI TTS and returns MP3 bytes.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*domain.Artifact, error) {
	if err := ValidateText(req.Text); err != nil {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: "speech", Err: err, Permanent: true}
	}

	speech := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.config.OpenAIModel),
		Input:          preprocessText(req.Text),
		Voice:          openai.SpeechVoice(p.config.OpenAIVoice),
		Speed:          p.config.OpenAISpeed,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	}
	if p.supportsInstructions() {
		speech.Instructions = p.instruction(req.Pronunciation)
	}

	response, err := p.client.CreateSpeech(ctx, speech)
	if err != nil {
		if strings.Contains(err.Error(), "does not have access to model") && p.supportsInstructions() {
			err = fmt.Errorf("%w (the %s model requires access, try tts-1-hd)", err, p.config.OpenAIModel)
		}
		return nil, internal.OpenAIError(p.Name(), "speech", err)
	}
	defer response.Close()

	data, err := io.ReadAll(response)
	if err != nil {
		return nil, internal.OpenAIError(p.Name(), "speech", fmt.Errorf("read audio: %w", err))
	}
	if len(data) == 0 {
		return nil, internal.OpenAIError(p.Name(), "speech", errors.New("no audio data received"))
	}
	return &domain.Artifact{Data: data, ContentType: "audio/mpeg"}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// IsAvailable checks if the OpenAI API is configured. A test call would
// spend credits, so only the key is checked.
func (p *OpenAIProvider) IsAvailable() error {
	if p.config.OpenAIKey == "" {
		return fmt.Errorf("OpenAI API key not configured")
	}
	return nil
}

func (p *OpenAIProvider) supportsInstructions() bool {
	return p.config.OpenAIModel == string(openai.TTSModelGPT4oMini)
}

// instruction pins the reading of polyphonic symbols to the selected one.
func (p *OpenAIProvider) instruction(pronunciation string) string {
	text := p.config.OpenAIInstruction
	if pronunciation == "" {
		return text
	}
	pin := fmt.Sprintf("Pronounce it with the pinyin reading %q.", pronunciation)
	if text == "" {
		return pin
	}
	return text + " " + pin
}

// preprocessText removes punctuation that should not be spoken.
func preprocessText(text string) string {
	cleaned := strings.TrimSpace(text)
	for _, punct := range []string{"!", "?", ".", ",", ";", ":", "\"", "'", "(", ")", "。", "，", "！", "？", "、", "；", "："} {
		cleaned = strings.ReplaceAll(cleaned, punct, "")
	}
	return strings.TrimSpace(cleaned)
}
