package llm

import (
	"context"
	"net"
	"strings"

	"github.com/RichardoC/chatpad/internal/models"
	"github.com/pkg/errors"
)

var retryableMarkers = []string{
	"429", "rate limit", "resource exhausted", "resource_exhausted",
	"500", "502", "503", "504", "unavailable", "overloaded",
	"timeout", "timed out", "connection refused", "connection reset", "eof",
}

// Classify wraps a provider error as a GenerationError, deciding whether a
// manual retry of the same message could succeed.
func Classify(err error) *models.GenerationError {
	var genErr *models.GenerationError
	if errors.As(err, &genErr) {
		return genErr
	}

	switch {
	case errors.Is(err, ErrNotConfigured), errors.Is(err, context.Canceled):
		return &models.GenerationError{Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &models.GenerationError{Cause: err, Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &models.GenerationError{Cause: err, Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return &models.GenerationError{Cause: err, Retryable: true}
		}
	}
	return &models.GenerationError{Cause: err}
}
