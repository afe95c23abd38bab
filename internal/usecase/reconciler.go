package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/domain"
)

// runTracker is one polling loop's registration. The id is mutable because
// the backend can reassign a run id mid-flight; the loop reads the current
// id on every tick instead of capturing it.
type runTracker struct {
	cancel context.CancelFunc

	mu sync.Mutex
	id string
}

func (t *runTracker) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Reconciler tracks asynchronous backend jobs and folds their state into
// the store. Each tracked run gets exactly one polling loop; push updates
// from the live feed enter through the same Apply path, so polling and push
// can never disagree about a run's terminal outcome.
type Reconciler struct {
	store    *Store
	runs     *Lifecycle
	client   domain.BackendClient
	cache    *MessageCache
	bus      domain.EventBus
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	loops map[string]*runTracker // current runID -> tracker
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(store *Store, runs *Lifecycle, client domain.BackendClient, cache *MessageCache, bus domain.EventBus, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reconciler{
		store:    store,
		runs:     runs,
		client:   client,
		cache:    cache,
		bus:      bus,
		logger:   logger,
		interval: interval,
		loops:    make(map[string]*runTracker),
	}
}

// Start begins polling the run's backend job. Starting an already-tracked
// run is a no-op, so retries cannot spawn a second loop for the same id.
func (r *Reconciler) Start(ctx context.Context, runID string) {
	r.mu.Lock()
	if _, ok := r.loops[runID]; ok {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t := &runTracker{cancel: cancel, id: runID}
	r.loops[runID] = t
	r.mu.Unlock()

	go r.poll(loopCtx, t)
}

// Stop ends the run's polling loop without touching the store.
func (r *Reconciler) Stop(runID string) {
	r.mu.Lock()
	t, ok := r.loops[runID]
	if ok {
		delete(r.loops, runID)
	}
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Rebind re-keys the loop registration when the backend reassigns the run
// id. The old key is removed in the same critical section, so no window
// exists where both ids are tracked.
func (r *Reconciler) Rebind(oldID, newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.loops[oldID]
	if !ok {
		return
	}
	delete(r.loops, oldID)
	t.mu.Lock()
	t.id = newID
	t.mu.Unlock()
	r.loops[newID] = t
}

// Tracked reports whether the run has an active polling loop.
func (r *Reconciler) Tracked(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[runID]
	return ok
}

func (r *Reconciler) poll(ctx context.Context, t *runTracker) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runID := t.current()
		state, err := r.client.JobState(ctx, runID)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrNotFound) {
				// The backend no longer knows the job. Same outcome as a
				// cancellation: keep the partial text, no user-facing error.
				r.settle(ctx, runID, &domain.JobState{Status: domain.JobCancelled})
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Debug("job poll failed, retrying", "run", runID, "error", err)
			continue
		}

		if r.Apply(ctx, runID, state) {
			return
		}
	}
}

// Apply merges one backend job snapshot into the store. It is the single
// entry point for both poll ticks and push events. Returns true once the
// job reached a terminal state and the loop should stop.
func (r *Reconciler) Apply(ctx context.Context, runID string, state *domain.JobState) bool {
	run, ok := r.store.Run(runID)
	if !ok {
		r.Stop(runID)
		return true
	}

	switch state.Status {
	case domain.JobRunning:
		r.applyPartial(ctx, run, state.ContentSoFar)
		return false
	case domain.JobCompleted, domain.JobCancelled, domain.JobFailed:
		r.settle(ctx, runID, state)
		return true
	default:
		r.logger.Warn("unknown job status", "run", runID, "status", state.Status)
		return false
	}
}

// applyPartial grows the streaming message toward the backend's partial
// content. Shorter or equal snapshots are skipped: poll responses can
// arrive out of order, and content must never move backward. Each merge
// that grew the message publishes the appended suffix as a stream delta,
// the same topic the animator uses, so the presentation layer sees
// job-backed text arrive incrementally too.
func (r *Reconciler) applyPartial(ctx context.Context, run domain.Run, partial string) {
	msg, ok := r.store.Message(run.AssistantMessageID)
	if !ok || len(partial) <= len(msg.Content) {
		return
	}
	if _, err := r.store.UpdateMessage(run.AssistantMessageID, MessagePatch{Content: &partial}); err != nil {
		r.logger.Debug("partial update skipped", "message", run.AssistantMessageID, "error", err)
		return
	}
	if r.bus != nil {
		r.bus.Publish(ctx, newEvent(domain.EventStreamDelta, run.ChatID, domain.StreamDeltaPayload{
			RunID:     run.RunID,
			MessageID: run.AssistantMessageID,
			Delta:     partial[len(msg.Content):],
			Revealed:  len(partial),
		}))
	}
}

// settle writes the job's terminal outcome: final content and citations on
// completion, the preserved partial text on cancellation or failure. The
// run is erased, the chat is persisted, and the pendingRun marker cleared.
func (r *Reconciler) settle(ctx context.Context, runID string, state *domain.JobState) {
	defer r.Stop(runID)

	run, ok := r.store.Run(runID)
	if !ok {
		return
	}
	messageID := run.AssistantMessageID

	switch state.Status {
	case domain.JobCompleted:
		content := state.ContentSoFar
		if content == "" {
			content = fallbackEmptyResponse
		}
		status := domain.MessageCompleted
		patch := MessagePatch{
			Content:       &content,
			Status:        &status,
			Sources:       state.Sources,
			UsedDocuments: state.UsedDocuments,
		}
		if _, err := r.store.UpdateMessage(messageID, patch); err != nil {
			r.logger.Debug("settle skipped", "message", messageID, "error", err)
		}
		r.runs.Complete(ctx, runID)
		if r.bus != nil {
			r.bus.Publish(ctx, newEvent(domain.EventStreamCompleted, run.ChatID, domain.StreamCompletedPayload{
				MessageID: messageID,
				ChatID:    run.ChatID,
				Content:   content,
			}))
		}
	case domain.JobFailed:
		r.settlePartial(runID, messageID, state.ContentSoFar)
		r.runs.Fail(ctx, runID)
	default: // cancelled, or a vanished job treated as cancelled
		r.settlePartial(runID, messageID, state.ContentSoFar)
		r.runs.CancelRun(ctx, runID)
	}

	r.persist(run.ChatID)
}

// settlePartial keeps whatever text exists, preferring the longer of the
// local content and the backend's last snapshot, and marks the message
// cancelled with the partial flag set when any text survived.
func (r *Reconciler) settlePartial(runID, messageID, remote string) {
	content := remote
	if msg, ok := r.store.Message(messageID); ok && len(msg.Content) > len(content) {
		content = msg.Content
	}
	status := domain.MessageCancelled
	partial := content != ""
	patch := MessagePatch{Content: &content, Status: &status, IsPartial: &partial}
	if _, err := r.store.UpdateMessage(messageID, patch); err != nil {
		r.logger.Debug("partial settle skipped", "message", messageID, "run", runID, "error", err)
	}
}

func (r *Reconciler) persist(chatID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SaveChat(chatID, r.store.MessagesForChat(chatID)); err != nil {
		r.logger.Warn("chat persist failed", "chat", chatID, "error", err)
	}
	r.cache.ClearPendingRun(chatID)
}
