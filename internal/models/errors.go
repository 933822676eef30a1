package models

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("conversation not found")
	ErrValidation = errors.New("validation error")
)

// GenerationError is a failure of the external completion collaborator.
// Retryable reports whether re-submitting the same message may succeed.
type GenerationError struct {
	Cause     error
	Retryable bool
}

func (e *GenerationError) Error() string {
	if e.Cause == nil {
		return "generation failed"
	}
	return "generation failed: " + e.Cause.Error()
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// IsGenerationFailure reports whether err carries a *GenerationError and returns it.
func IsGenerationFailure(err error) (*GenerationError, bool) {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr, true
	}
	return nil, false
}

const (
	PreviewLength = 50
	EmptyPreview  = "Empty conversation"
)

// Preview derives the summary text of a conversation from its first
// non-system message.
func Preview(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		return truncate(m.Content, PreviewLength)
	}
	return EmptyPreview
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
