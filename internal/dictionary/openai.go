package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"codeberg.org/snonux/hanzirecall/internal"
	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// OpenAIConfig configures the chat based lookup.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAILookup asks a chat model for the readings of a symbol.
type OpenAILookup struct {
	client *openai.Client
	model  string
}

// NewOpenAILookup creates a chat lookup. The model defaults to gpt-4o-mini.
func NewOpenAILookup(config *OpenAIConfig) (*OpenAILookup, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not found")
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	model := config.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAILookup{client: openai.NewClientWithConfig(clientConfig), model: model}, nil
}

type chatReading struct {
	Pinyin    string   `json:"pinyin"`
	Meanings  []string `json:"meanings"`
	Frequency string   `json:"frequency"`
}

type chatAnswer struct {
	Readings []chatReading `json:"readings"`
}

func lookupPrompt(symbol string) string {
	return fmt.Sprintf(`List every distinct Mandarin reading of the Chinese word %q.
Respond with JSON only, in the form
{"readings":[{"pinyin":"xíng","meanings":["to walk","to be capable"],"frequency":"very-common"}]}.
Use pinyin with tone marks. Give at most three short English meanings per reading.
frequency is one of "very-common", "common" or "less-common".
List the most frequent reading first. If %q is not a Chinese word, respond with {"readings":[]}.`, symbol, symbol)
}

// Lookup implements Lookup.
func (l *OpenAILookup) Lookup(ctx context.Context, symbol string) ([]domain.DictionaryEntry, error) {
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a precise Chinese-English dictionary."},
			{Role: openai.ChatMessageRoleUser, Content: lookupPrompt(symbol)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		MaxTokens:      400,
		Temperature:    0.1,
	})
	if err != nil {
		return nil, internal.OpenAIError("openai", "dictionary", err)
	}
	if len(resp.Choices) == 0 {
		return nil, internal.OpenAIError("openai", "dictionary", fmt.Errorf("no answer returned"))
	}
	return parseAnswer(symbol, resp.Choices[0].Message.Content)
}

// parseAnswer turns the chat answer into entries. Readings without pinyin
// or meanings and repeated readings are dropped.
func parseAnswer(symbol, content string) ([]domain.DictionaryEntry, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var answer chatAnswer
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return nil, &domain.ProviderError{Provider: "openai", Op: "dictionary", Err: fmt.Errorf("decode answer: %w", err)}
	}

	seen := make(map[string]struct{})
	var entries []domain.DictionaryEntry
	for _, r := range answer.Readings {
		pron := strings.TrimSpace(r.Pinyin)
		var meanings []string
		for _, m := range r.Meanings {
			if m = strings.TrimSpace(m); m != "" {
				meanings = append(meanings, m)
			}
		}
		if pron == "" || len(meanings) == 0 {
			continue
		}
		if _, dup := seen[strings.ToLower(pron)]; dup {
			continue
		}
		seen[strings.ToLower(pron)] = struct{}{}

		freq := domain.FrequencyHint(r.Frequency)
		if !freq.IsValid() {
			freq = domain.FrequencyCommon
		}
		entries = append(entries, domain.DictionaryEntry{
			Symbol:        symbol,
			Pronunciation: pron,
			Meanings:      meanings,
			Frequency:     freq,
		})
	}
	return entries, nil
}
