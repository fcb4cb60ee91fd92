package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used across all layers.
var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation error")
	ErrConflict               = errors.New("conflict")
	ErrDisambiguationRequired = errors.New("disambiguation required")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrStaleWrite             = errors.New("stale write")
	ErrSkipped                = errors.New("generation skipped")
	errTransient              = errors.New("transient")
)

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rejection is an import entry that did not survive normalization.
type Rejection struct {
	Index  int    `json:"index"`
	Input  string `json:"input"`
	Reason string `json:"reason"`
}

// ValidationError is returned synchronously to callers.
type ValidationError struct {
	Errors   []FieldError `json:"errors,omitempty"`
	Rejected []Rejection  `json:"rejected,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	if len(e.Errors) == 0 && len(e.Rejected) > 0 {
		return fmt.Sprintf("validation: all %d entries rejected", len(e.Rejected))
	}
	return fmt.Sprintf("validation: %d errors", len(e.Errors))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// DisambiguationRequiredError signals that a symbol has several readings
// and no stored selection. It is control flow, not a failure.
type DisambiguationRequiredError struct {
	Ambiguity Ambiguity
}

func (e *DisambiguationRequiredError) Error() string {
	return fmt.Sprintf("symbol %q has %d readings: %s",
		e.Ambiguity.Symbol, len(e.Ambiguity.Candidates), ErrDisambiguationRequired)
}

func (e *DisambiguationRequiredError) Unwrap() error { return ErrDisambiguationRequired }

// ProviderError wraps a failed call to an external generator or lookup.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
	// Permanent marks errors that retrying cannot fix, such as a rejected
	// prompt or a missing API key.
	Permanent bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return target == errTransient && !e.Permanent
}

// StorageError wraps a failed object store or database write.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == errTransient }

// CacheRaceError reports that another worker holds the claim on a key. It
// is resolved internally by waiting for the winner and never surfaced.
type CacheRaceError struct {
	Key   string
	Owner string
}

func (e *CacheRaceError) Error() string {
	return fmt.Sprintf("media key %s claimed by %s", e.Key, e.Owner)
}

// IsTransient reports whether a job failing with err should be retried.
// Validation, not-found and disambiguation errors are terminal; unknown
// errors are retried up to the attempt cap.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTransient) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Permanent
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDisambiguationRequired),
		errors.Is(err, ErrInvalidTransition):
		return false
	}
	return true
}

// Reason shortens an error into a one-line failure reason for a card.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const max = 500
	if r := []rune(msg); len(r) > max {
		msg = string(r[:max])
	}
	return msg
}
