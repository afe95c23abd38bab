package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerClient wraps a BackendClient with a circuit breaker. When the
// backend fails repeatedly, the circuit opens and calls fail fast without
// reaching the network, so a dead backend cannot pile up blocked sends.
// Open-circuit errors wrap domain.ErrUnavailable and classify as retryable.
type BreakerClient struct {
	inner   domain.BackendClient
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// NewBreakerClient wraps inner with a circuit breaker. Zero-valued config
// fields fall back to defaults.
func NewBreakerClient(inner domain.BackendClient, cfg config.BreakerConfig, logger *slog.Logger) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A vanished job is an answer, not a backend failure.
			return err == nil || isBenignBreakerError(err)
		},
	})

	return &BreakerClient{inner: inner, breaker: cb, logger: logger}
}

func isBenignBreakerError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrDuplicate) ||
		errors.Is(err, domain.ErrInvalidInput)
}

// execute funnels a call through the breaker, remapping open-circuit errors
// to the unavailable sentinel.
func (b *BreakerClient) execute(fn func() error) error {
	_, err := b.breaker.Execute(func() ([]byte, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: circuit breaker is open", domain.ErrUnavailable)
	}
	return err
}

// CreateChat implements domain.BackendClient.
func (b *BreakerClient) CreateChat(ctx context.Context, title, promptModule string) (*domain.Chat, error) {
	var chat *domain.Chat
	err := b.execute(func() (innerErr error) {
		chat, innerErr = b.inner.CreateChat(ctx, title, promptModule)
		return innerErr
	})
	return chat, err
}

// SendMessage implements domain.BackendClient.
func (b *BreakerClient) SendMessage(ctx context.Context, chatID string, req domain.SendRequest) (*domain.SendResult, error) {
	var result *domain.SendResult
	err := b.execute(func() (innerErr error) {
		result, innerErr = b.inner.SendMessage(ctx, chatID, req)
		return innerErr
	})
	return result, err
}

// JobState implements domain.BackendClient.
func (b *BreakerClient) JobState(ctx context.Context, runID string) (*domain.JobState, error) {
	var state *domain.JobState
	err := b.execute(func() (innerErr error) {
		state, innerErr = b.inner.JobState(ctx, runID)
		return innerErr
	})
	return state, err
}

// CancelJob implements domain.BackendClient. Cancellation bypasses the
// breaker: it is fire-and-forget and must be attempted even while the
// circuit is open.
func (b *BreakerClient) CancelJob(ctx context.Context, runID string) error {
	return b.inner.CancelJob(ctx, runID)
}

// ListMessages implements domain.BackendClient.
func (b *BreakerClient) ListMessages(ctx context.Context, chatID, cursor string, limit int) (*domain.HistoryPage, error) {
	var page *domain.HistoryPage
	err := b.execute(func() (innerErr error) {
		page, innerErr = b.inner.ListMessages(ctx, chatID, cursor, limit)
		return innerErr
	})
	return page, err
}

// State returns the breaker state for monitoring.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

var _ domain.BackendClient = (*BreakerClient)(nil)
