package usecase

import (
	"context"
	"errors"
	"strings"

	"parley/internal/domain"
)

// SendErrorCategory drives the send path's reaction to a failure.
type SendErrorCategory int

const (
	SendErrorUnknown   SendErrorCategory = iota
	SendErrorBenign                      // user abort, duplicate suppression: no user-facing error
	SendErrorRetryable                   // 429, 5xx, network: partial state kept, retry offered
	SendErrorPermanent                   // 401, 403, 400: surfaced without retry
)

// ClassifiedSendError is the result of send-error classification.
type ClassifiedSendError struct {
	Original error
	Category SendErrorCategory
	Sentinel error // mapped category sentinel, or nil
}

// SendClassifier sorts send failures into benign, retryable, and permanent
// so the caller knows whether to stay silent, offer a retry, or surface the
// error as final.
type SendClassifier struct{}

// NewSendClassifier creates a classifier.
func NewSendClassifier() *SendClassifier {
	return &SendClassifier{}
}

// Classify inspects a send error. Wrapped sentinels win over string
// matching: adapters map HTTP statuses to sentinels, so the string fallback
// only catches raw transport failures.
func (c *SendClassifier) Classify(err error) ClassifiedSendError {
	if err == nil {
		return ClassifiedSendError{}
	}
	if out := c.classifyBySentinel(err); out.Category != SendErrorUnknown {
		return out
	}
	return c.classifyByString(err)
}

func (c *SendClassifier) classifyBySentinel(err error) ClassifiedSendError {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassifiedSendError{Original: err, Category: SendErrorBenign}
	case errors.Is(err, domain.ErrSendLocked),
		errors.Is(err, domain.ErrRunActive),
		errors.Is(err, domain.ErrDuplicate):
		return ClassifiedSendError{
			Original: err, Category: SendErrorBenign,
			Sentinel: domain.ErrDuplicate,
		}
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedSendError{
			Original: err, Category: SendErrorRetryable,
			Sentinel: domain.ErrRateLimit,
		}
	case errors.Is(err, domain.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassifiedSendError{
			Original: err, Category: SendErrorRetryable,
			Sentinel: domain.ErrUnavailable,
		}
	case errors.Is(err, domain.ErrAuthInvalid):
		return ClassifiedSendError{
			Original: err, Category: SendErrorPermanent,
			Sentinel: domain.ErrAuthInvalid,
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return ClassifiedSendError{
			Original: err, Category: SendErrorPermanent,
			Sentinel: domain.ErrInvalidInput,
		}
	default:
		return ClassifiedSendError{Original: err, Category: SendErrorUnknown}
	}
}

func (c *SendClassifier) classifyByString(err error) ClassifiedSendError {
	lower := strings.ToLower(err.Error())

	for _, p := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedSendError{
				Original: err, Category: SendErrorRetryable,
				Sentinel: domain.ErrRateLimit,
			}
		}
	}

	for _, p := range []string{
		"connection refused", "no such host", "timeout",
		"deadline exceeded", "connection reset", "broken pipe",
		"circuit breaker is open",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedSendError{
				Original: err, Category: SendErrorRetryable,
				Sentinel: domain.ErrUnavailable,
			}
		}
	}

	return ClassifiedSendError{Original: err, Category: SendErrorUnknown}
}
