package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/usecase/eventbus"
)

type animFixture struct {
	store *Store
	runs  *Lifecycle
	bus   *eventbus.Bus
	anim  *Animator
	run   domain.Run
}

func newAnimFixture(t *testing.T, visible func() bool) *animFixture {
	t.Helper()
	store := NewStore()
	bus := eventbus.New(testLogger())
	runs := NewLifecycle(store, bus, testLogger())
	if visible == nil {
		visible = func() bool { return true }
	}
	anim := NewAnimator(store, runs, bus, visible, 5, time.Millisecond, testLogger())

	require.NoError(t, store.AddChat(newTestChat("c1")))
	require.NoError(t, store.AddMessage(newStreamingAssistant("m1", "c1")))
	run, err := runs.Begin(context.Background(), "c1", NewRequestID(), "m1")
	require.NoError(t, err)

	return &animFixture{store: store, runs: runs, bus: bus, anim: anim, run: run}
}

func TestAnimatorRevealsFullText(t *testing.T) {
	f := newAnimFixture(t, nil)
	text := strings.Repeat("abcde", 4)

	var deltas []string
	completed := false
	f.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		var p domain.StreamDeltaPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		deltas = append(deltas, p.Delta)
	})
	f.bus.Subscribe(domain.EventStreamCompleted, func(_ context.Context, e domain.Event) {
		completed = true
	})

	f.anim.Reveal(context.Background(), f.run.RunID, text)

	msg, ok := f.store.Message("m1")
	require.True(t, ok)
	assert.Equal(t, text, msg.Content)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	assert.True(t, completed)
	// Deltas concatenate to a strict prefix; the final chunk is written by
	// the completion step, not streamed.
	assert.True(t, strings.HasPrefix(text, strings.Join(deltas, "")))

	_, running := f.store.Run(f.run.RunID)
	assert.False(t, running)
}

func TestAnimatorContentGrowsMonotonically(t *testing.T) {
	f := newAnimFixture(t, nil)
	text := strings.Repeat("x", 37)

	prev := 0
	f.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		msg, ok := f.store.Message("m1")
		require.True(t, ok)
		require.GreaterOrEqual(t, len(msg.Content), prev)
		prev = len(msg.Content)
	})

	f.anim.Reveal(context.Background(), f.run.RunID, text)
	msg, _ := f.store.Message("m1")
	assert.Equal(t, text, msg.Content)
}

func TestAnimatorCancelKeepsRevealedPrefix(t *testing.T) {
	f := newAnimFixture(t, nil)
	text := strings.Repeat("abcde", 10)

	count := 0
	f.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, _ domain.Event) {
		count++
		if count == 3 {
			f.run.Handle.Abort()
		}
	})
	completedFired := false
	f.bus.Subscribe(domain.EventStreamCompleted, func(_ context.Context, _ domain.Event) {
		completedFired = true
	})

	f.anim.Reveal(context.Background(), f.run.RunID, text)

	msg, ok := f.store.Message("m1")
	require.True(t, ok)
	assert.Equal(t, text[:15], msg.Content)
	assert.Equal(t, domain.MessageCancelled, msg.Status)
	// Cancellation must not trigger the structured-render signal.
	assert.False(t, completedFired)

	_, running := f.store.Run(f.run.RunID)
	assert.False(t, running)
	assert.False(t, f.runs.IsGenerating("c1"))
}

func TestAnimatorHiddenViewCompletesImmediately(t *testing.T) {
	f := newAnimFixture(t, func() bool { return false })
	text := strings.Repeat("abcde", 10)

	deltas := 0
	f.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, _ domain.Event) { deltas++ })

	start := time.Now()
	f.anim.Reveal(context.Background(), f.run.RunID, text)

	msg, _ := f.store.Message("m1")
	assert.Equal(t, text, msg.Content)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	assert.Zero(t, deltas)
	// No batch delays were taken.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAnimatorResumesFromExistingContent(t *testing.T) {
	f := newAnimFixture(t, nil)
	text := "0123456789"
	_, err := f.store.UpdateMessage("m1", MessagePatch{Content: strPtr(text[:5])})
	require.NoError(t, err)

	var deltas []string
	f.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		var p domain.StreamDeltaPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		deltas = append(deltas, p.Delta)
	})

	f.anim.Reveal(context.Background(), f.run.RunID, text)

	msg, _ := f.store.Message("m1")
	assert.Equal(t, text, msg.Content)
	// Nothing before the resume point was re-streamed.
	for _, d := range deltas {
		assert.NotContains(t, d, "01234")
	}
}

func TestAnimatorMissingRunIsNoop(t *testing.T) {
	f := newAnimFixture(t, nil)
	f.anim.Reveal(context.Background(), "no-such-run", "text")
	msg, _ := f.store.Message("m1")
	assert.Empty(t, msg.Content)
}
