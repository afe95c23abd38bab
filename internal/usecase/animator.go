package usecase

import (
	"context"
	"log/slog"
	"time"

	"parley/internal/domain"
)

// Animator reveals a run's text into its assistant message in fixed-size
// character batches with a fixed delay, so the projector can re-render
// incrementally. Before every batch it re-validates against the store — the
// run may have been cancelled or removed while the batch delay elapsed —
// and consults the shared visibility accessor rather than a captured
// snapshot, so a view hidden mid-animation is noticed at the next batch.
type Animator struct {
	store  *Store
	runs   *Lifecycle
	bus    domain.EventBus
	logger *slog.Logger

	// visible reports whether the view is currently shown. When it returns
	// false the remaining animation is skipped and the full text is written
	// immediately: there is no point animating an invisible view, and the
	// animation must not delay completion.
	visible func() bool

	batchChars int
	batchDelay time.Duration
}

// NewAnimator creates a stream animator.
func NewAnimator(store *Store, runs *Lifecycle, bus domain.EventBus, visible func() bool, batchChars int, batchDelay time.Duration, logger *slog.Logger) *Animator {
	if batchChars <= 0 {
		batchChars = 5
	}
	if visible == nil {
		visible = func() bool { return true }
	}
	return &Animator{
		store:      store,
		runs:       runs,
		bus:        bus,
		logger:     logger,
		visible:    visible,
		batchChars: batchChars,
		batchDelay: batchDelay,
	}
}

// Reveal animates text into the run's assistant message and blocks until
// the animation completes or is interrupted. Callers run it on its own
// goroutine; all coordination happens through the store.
func (a *Animator) Reveal(ctx context.Context, runID, text string) {
	run, ok := a.store.Run(runID)
	if !ok {
		return
	}
	messageID := run.AssistantMessageID
	runes := []rune(text)
	revealed := a.revealedCount(messageID, runes)

	for {
		// Re-validate: time has passed since the last batch, and the run
		// may be gone or no longer running.
		run, ok := a.store.Run(runID)
		if !ok || run.Status != domain.RunRunning {
			a.truncate(ctx, runID, messageID, string(runes[:revealed]))
			return
		}
		if run.Handle != nil && run.Handle.Aborted() {
			a.truncate(ctx, runID, messageID, string(runes[:revealed]))
			return
		}
		if !a.visible() {
			a.finish(ctx, runID, messageID, run.ChatID, string(runes))
			return
		}

		next := revealed + a.batchChars
		if next >= len(runes) {
			a.finish(ctx, runID, messageID, run.ChatID, string(runes))
			return
		}

		batch := string(runes[:next])
		if _, err := a.store.UpdateMessage(messageID, MessagePatch{Content: &batch}); err != nil {
			// Message reached a terminal state through another path.
			return
		}
		a.publishDelta(ctx, run, string(runes[revealed:next]), next)
		revealed = next

		select {
		case <-time.After(a.batchDelay):
		case <-ctx.Done():
			a.truncate(ctx, runID, messageID, string(runes[:revealed]))
			return
		case <-a.abortDone(run):
			// Abort is handled by the re-validation at the top of the loop.
		}
	}
}

// revealedCount resumes an interrupted animation: if the message already
// holds a prefix of text, the reveal continues from there instead of
// starting over.
func (a *Animator) revealedCount(messageID string, runes []rune) int {
	msg, ok := a.store.Message(messageID)
	if !ok || msg.Content == "" {
		return 0
	}
	existing := []rune(msg.Content)
	if len(existing) > len(runes) {
		return len(runes)
	}
	return len(existing)
}

// truncate keeps only the already-revealed prefix, marks the message
// cancelled, and finishes the run as cancelled. The structured-render
// signal does not fire.
func (a *Animator) truncate(ctx context.Context, runID, messageID, prefix string) {
	status := domain.MessageCancelled
	if _, err := a.store.UpdateMessage(messageID, MessagePatch{Content: &prefix, Status: &status}); err != nil {
		a.logger.Debug("animator truncate skipped", "message", messageID, "error", err)
	}
	a.runs.CancelRun(ctx, runID)
}

// finish writes the full text, marks the message completed, erases the run,
// and fires the structured-render signal. The signal fires only here —
// after completed, never during streaming — because partial structured
// markup would render incorrectly.
func (a *Animator) finish(ctx context.Context, runID, messageID, chatID, text string) {
	status := domain.MessageCompleted
	if _, err := a.store.UpdateMessage(messageID, MessagePatch{Content: &text, Status: &status}); err != nil {
		a.logger.Debug("animator finish skipped", "message", messageID, "error", err)
		a.runs.Complete(ctx, runID)
		return
	}
	a.runs.Complete(ctx, runID)
	if a.bus != nil {
		a.bus.Publish(ctx, newEvent(domain.EventStreamCompleted, chatID, domain.StreamCompletedPayload{
			MessageID: messageID,
			ChatID:    chatID,
			Content:   text,
		}))
	}
}

func (a *Animator) publishDelta(ctx context.Context, run domain.Run, delta string, revealed int) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, newEvent(domain.EventStreamDelta, run.ChatID, domain.StreamDeltaPayload{
		RunID:     run.RunID,
		MessageID: run.AssistantMessageID,
		Delta:     delta,
		Revealed:  revealed,
	}))
}

func (a *Animator) abortDone(run domain.Run) <-chan struct{} {
	if run.Handle == nil {
		return nil
	}
	return run.Handle.Done()
}
