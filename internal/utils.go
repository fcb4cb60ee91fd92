package internal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/sashabaranov/go-openai"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// SanitizeFilename creates a safe filename from a string. Letters of any
// script are kept, so hanzi survive unchanged.
func SanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// OpenAIError wraps an error returned by the OpenAI client into a
// domain.ProviderError. Client errors other than rate limiting are
// permanent, everything else is retried.
func OpenAIError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.ProviderError{
		Provider:  provider,
		Op:        op,
		Err:       err,
		Permanent: isPermanentOpenAIError(err),
	}
}

func isPermanentOpenAIError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return false
	case status >= 400 && status < 500:
		return true
	}
	return false
}
