package usecase

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"parley/internal/domain"
)

// Lifecycle owns the run state machine: running → completed | cancelled |
// failed, with terminal states reached transiently and the run erased in the
// same transition. It is also the single writer of the per-chat generating
// flag — every other code path calls Finalize instead of toggling the flag,
// which keeps the flag from drifting out of sync with run existence.
type Lifecycle struct {
	store  *Store
	bus    domain.EventBus
	logger *slog.Logger

	mu         sync.Mutex
	generating map[string]bool
	handles    map[string]*domain.CancelHandle
}

// NewLifecycle creates a run lifecycle manager.
func NewLifecycle(store *Store, bus domain.EventBus, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:      store,
		bus:        bus,
		logger:     logger,
		generating: make(map[string]bool),
		handles:    make(map[string]*domain.CancelHandle),
	}
}

// newRunID generates a client-side placeholder run id. It is rebound to the
// backend job id once the remote send responds.
func newRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "run_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewMessageID generates a message id.
func NewMessageID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "msg_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewChatID generates a chat id for chats created before the backend has
// been asked.
func NewChatID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "chat_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Begin creates a running run for the chat, referencing the assistant
// placeholder message. The placeholder pair must already be in the store.
func (l *Lifecycle) Begin(ctx context.Context, chatID, requestID, assistantMessageID string) (domain.Run, error) {
	now := time.Now()
	run := domain.Run{
		RunID:              newRunID(now),
		RequestID:          requestID,
		ChatID:             chatID,
		AssistantMessageID: assistantMessageID,
		Status:             domain.RunRunning,
		StartedAt:          now,
		Handle:             domain.NewCancelHandle(context.Background()),
	}
	if err := l.store.AddRun(run); err != nil {
		return domain.Run{}, err
	}
	l.Finalize(chatID, false)
	l.publishRunEvent(ctx, domain.EventRunStarted, run)
	return run, nil
}

// Attach registers a run for a backend job that already exists, used when a
// pendingRun marker survives a restart and the job may still be in flight.
// Unlike Begin, the run id is the backend's, not a placeholder.
func (l *Lifecycle) Attach(ctx context.Context, chatID, runID, assistantMessageID string) (domain.Run, error) {
	run := domain.Run{
		RunID:              runID,
		ChatID:             chatID,
		AssistantMessageID: assistantMessageID,
		Status:             domain.RunRunning,
		StartedAt:          time.Now(),
		Handle:             domain.NewCancelHandle(context.Background()),
	}
	if err := l.store.AddRun(run); err != nil {
		return domain.Run{}, err
	}
	l.Finalize(chatID, false)
	l.publishRunEvent(ctx, domain.EventRunStarted, run)
	return run, nil
}

// Rebind migrates the run to the backend-issued job id. The store performs
// the re-key atomically; callers that registered pollers under the old id
// must re-key those registrations as well.
func (l *Lifecycle) Rebind(oldID, newID string) (domain.Run, error) {
	run, err := l.store.RebindRun(oldID, newID)
	if err != nil {
		return domain.Run{}, err
	}
	l.logger.Debug("run rebound", "old_id", oldID, "new_id", newID, "chat", run.ChatID)
	return run, nil
}

// Complete transitions the run to completed and erases it. A missing run is
// a benign race (already finalized) and is ignored.
func (l *Lifecycle) Complete(ctx context.Context, runID string) {
	l.finish(ctx, runID, domain.RunCompleted, domain.EventRunCompleted)
}

// CancelRun aborts the run's cancellation handle, transitions it to
// cancelled, and erases it.
func (l *Lifecycle) CancelRun(ctx context.Context, runID string) {
	if run, ok := l.store.Run(runID); ok && run.Handle != nil {
		run.Handle.Abort()
	}
	l.finish(ctx, runID, domain.RunCancelled, domain.EventRunCancelled)
}

// Fail transitions the run to failed and erases it.
func (l *Lifecycle) Fail(ctx context.Context, runID string) {
	l.finish(ctx, runID, domain.RunFailed, domain.EventRunFailed)
}

// finish performs the terminal transition: status is set transiently, the
// run is removed, the generating flag is recomputed, and the event fires.
func (l *Lifecycle) finish(ctx context.Context, runID string, status domain.RunStatus, eventType domain.EventType) {
	run, ok := l.store.Run(runID)
	if !ok {
		return
	}
	st := status
	if _, err := l.store.UpdateRun(runID, RunPatch{Status: &st}); err != nil {
		l.logger.Warn("run terminal update failed", "run", runID, "error", err)
	}
	l.store.RemoveRun(runID)
	l.Finalize(run.ChatID, false)
	run.Status = status
	l.publishRunEvent(ctx, eventType, run)
	l.logger.Debug("run finished", "run", runID, "chat", run.ChatID, "status", string(status))
}

// Finalize recomputes the chat's externally observable generating flag from
// actual run existence. With no running run (or forceReset) the flag goes
// false and the active cancellation handle is cleared; otherwise the flag
// goes true and the handle is rebound to the running run's handle. This is
// the only function allowed to write the flag.
func (l *Lifecycle) Finalize(chatID string, forceReset bool) {
	run, running := l.store.RunningRunForChat(chatID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if forceReset || !running {
		delete(l.generating, chatID)
		delete(l.handles, chatID)
		return
	}
	l.generating[chatID] = true
	l.handles[chatID] = run.Handle
}

// IsGenerating reports the chat's generating flag.
func (l *Lifecycle) IsGenerating(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generating[chatID]
}

// ActiveHandle returns the cancellation handle bound by the last Finalize,
// or nil when the chat is idle.
func (l *Lifecycle) ActiveHandle(chatID string) *domain.CancelHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[chatID]
}

func (l *Lifecycle) publishRunEvent(ctx context.Context, eventType domain.EventType, run domain.Run) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, newEvent(eventType, run.ChatID, domain.RunEventPayload{
		RunID:              run.RunID,
		ChatID:             run.ChatID,
		AssistantMessageID: run.AssistantMessageID,
	}))
}
