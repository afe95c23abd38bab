package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"parley/internal/domain"
)

func TestClassifyNil(t *testing.T) {
	c := NewSendClassifier()
	got := c.Classify(nil)
	assert.Equal(t, SendErrorUnknown, got.Category)
	assert.Nil(t, got.Original)
}

func TestClassifyBenign(t *testing.T) {
	c := NewSendClassifier()
	for _, err := range []error{
		context.Canceled,
		fmt.Errorf("send: %w", domain.ErrSendLocked),
		fmt.Errorf("send: %w", domain.ErrRunActive),
		domain.NewDomainError("Gate.TryAcquire", domain.ErrDuplicate, "dup"),
	} {
		got := c.Classify(err)
		assert.Equal(t, SendErrorBenign, got.Category, "err=%v", err)
	}
}

func TestClassifyRetryable(t *testing.T) {
	c := NewSendClassifier()

	got := c.Classify(fmt.Errorf("%w: API error 429", domain.ErrRateLimit))
	assert.Equal(t, SendErrorRetryable, got.Category)
	assert.True(t, errors.Is(got.Sentinel, domain.ErrRateLimit))

	got = c.Classify(fmt.Errorf("%w: API error 503", domain.ErrUnavailable))
	assert.Equal(t, SendErrorRetryable, got.Category)

	got = c.Classify(context.DeadlineExceeded)
	assert.Equal(t, SendErrorRetryable, got.Category)
}

func TestClassifyPermanent(t *testing.T) {
	c := NewSendClassifier()

	got := c.Classify(fmt.Errorf("%w: API error 401", domain.ErrAuthInvalid))
	assert.Equal(t, SendErrorPermanent, got.Category)
	assert.True(t, errors.Is(got.Sentinel, domain.ErrAuthInvalid))

	got = c.Classify(fmt.Errorf("%w: bad payload", domain.ErrInvalidInput))
	assert.Equal(t, SendErrorPermanent, got.Category)
}

func TestClassifyStringFallback(t *testing.T) {
	c := NewSendClassifier()

	for _, msg := range []string{
		"dial tcp: connection refused",
		"read tcp: connection reset by peer",
		"net/http: timeout awaiting response headers",
		"circuit breaker is open",
	} {
		got := c.Classify(errors.New(msg))
		assert.Equal(t, SendErrorRetryable, got.Category, "msg=%q", msg)
	}

	got := c.Classify(errors.New("too many requests"))
	assert.Equal(t, SendErrorRetryable, got.Category)
	assert.True(t, errors.Is(got.Sentinel, domain.ErrRateLimit))

	got = c.Classify(errors.New("completely unrecognized"))
	assert.Equal(t, SendErrorUnknown, got.Category)
}
