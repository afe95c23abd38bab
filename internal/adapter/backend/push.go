package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nhooyr.io/websocket"

	"parley/internal/domain"
)

// JobUpdateSink receives pushed job state. The reconciler implements it;
// push events enter the same merge path as poll responses.
type JobUpdateSink interface {
	Apply(ctx context.Context, runID string, state *domain.JobState) bool
}

// pushFrame is one message on the push feed.
type pushFrame struct {
	RunID string           `json:"runId"`
	State *domain.JobState `json:"state"`
}

// PushFeed consumes the backend's websocket job feed and forwards updates
// into the reconciler. Polling stays on as the fallback: the feed only
// lowers latency, a dropped connection loses nothing.
type PushFeed struct {
	url    string
	apiKey string
	sink   JobUpdateSink
	logger *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewPushFeed creates a push feed consumer for the given websocket URL.
func NewPushFeed(url, apiKey string, sink JobUpdateSink, logger *slog.Logger) *PushFeed {
	return &PushFeed{
		url:        url,
		apiKey:     apiKey,
		sink:       sink,
		logger:     logger,
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}
}

// Run connects and consumes frames until ctx is cancelled, reconnecting
// with exponential backoff on failure.
func (f *PushFeed) Run(ctx context.Context) {
	backoff := f.backoffMin
	for {
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("push feed disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.backoffMax {
			backoff = f.backoffMax
		}
	}
}

func (f *PushFeed) consume(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.apiKey != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + f.apiKey},
		}
	}
	conn, _, err := websocket.Dial(ctx, f.url, opts)
	if err != nil {
		return fmt.Errorf("push feed connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")
	f.logger.Info("push feed connected", "url", f.url)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("push feed read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var frame pushFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Debug("push frame discarded", "error", err)
			continue
		}
		if frame.RunID == "" || frame.State == nil {
			continue
		}
		f.sink.Apply(ctx, frame.RunID, frame.State)
	}
}
