package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/usecase/eventbus"
)

// mockBackend implements domain.BackendClient with function fields, the
// zero value of which returns empty results.
type mockBackend struct {
	mu          sync.Mutex
	createChat  func(ctx context.Context, title, module string) (*domain.Chat, error)
	sendMessage func(ctx context.Context, chatID string, req domain.SendRequest) (*domain.SendResult, error)
	jobState    func(ctx context.Context, runID string) (*domain.JobState, error)
	cancelJob   func(ctx context.Context, runID string) error
	listMsgs    func(ctx context.Context, chatID, cursor string, limit int) (*domain.HistoryPage, error)

	cancelled []string
}

func (m *mockBackend) CreateChat(ctx context.Context, title, module string) (*domain.Chat, error) {
	if m.createChat != nil {
		return m.createChat(ctx, title, module)
	}
	return &domain.Chat{ID: "chat-remote", Title: title, PromptModule: module, CreatedAt: time.Now()}, nil
}

func (m *mockBackend) SendMessage(ctx context.Context, chatID string, req domain.SendRequest) (*domain.SendResult, error) {
	if m.sendMessage != nil {
		return m.sendMessage(ctx, chatID, req)
	}
	return &domain.SendResult{}, nil
}

func (m *mockBackend) JobState(ctx context.Context, runID string) (*domain.JobState, error) {
	if m.jobState != nil {
		return m.jobState(ctx, runID)
	}
	return &domain.JobState{Status: domain.JobRunning}, nil
}

func (m *mockBackend) CancelJob(ctx context.Context, runID string) error {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, runID)
	m.mu.Unlock()
	if m.cancelJob != nil {
		return m.cancelJob(ctx, runID)
	}
	return nil
}

func (m *mockBackend) ListMessages(ctx context.Context, chatID, cursor string, limit int) (*domain.HistoryPage, error) {
	if m.listMsgs != nil {
		return m.listMsgs(ctx, chatID, cursor, limit)
	}
	return &domain.HistoryPage{}, nil
}

func (m *mockBackend) cancelledRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// memKV is an in-memory domain.KV for tests.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *memKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memKV) Scan(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	snapshot := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.Unlock()
	for k, v := range snapshot {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *memKV) Compact() error { return nil }
func (m *memKV) Close() error   { return nil }

type reconFixture struct {
	store *Store
	runs  *Lifecycle
	cache *MessageCache
	kv    *memKV
	bus   *eventbus.Bus
	recon *Reconciler
	run   domain.Run
}

func newReconFixture(t *testing.T, client domain.BackendClient) *reconFixture {
	t.Helper()
	store := NewStore()
	bus := eventbus.New(testLogger())
	runs := NewLifecycle(store, bus, testLogger())
	kv := newMemKV()
	cache := NewMessageCache(kv, testLogger())
	recon := NewReconciler(store, runs, client, cache, bus, 5*time.Millisecond, testLogger())

	require.NoError(t, store.AddChat(newTestChat("c1")))
	require.NoError(t, store.AddMessage(newStreamingAssistant("m1", "c1")))
	run, err := runs.Begin(context.Background(), "c1", NewRequestID(), "m1")
	require.NoError(t, err)

	return &reconFixture{store: store, runs: runs, cache: cache, kv: kv, bus: bus, recon: recon, run: run}
}

func TestReconcilerApplyRunningGrowsContent(t *testing.T) {
	f := newReconFixture(t, &mockBackend{})

	done := f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:       domain.JobRunning,
		ContentSoFar: "partial text",
	})
	assert.False(t, done)
	msg, _ := f.store.Message("m1")
	assert.Equal(t, "partial text", msg.Content)
	assert.Equal(t, domain.MessageStreaming, msg.Status)

	// A shorter snapshot arriving late must not shrink content.
	f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:       domain.JobRunning,
		ContentSoFar: "partial",
	})
	msg, _ = f.store.Message("m1")
	assert.Equal(t, "partial text", msg.Content)
}

func TestReconcilerApplyRunningPublishesDelta(t *testing.T) {
	f := newReconFixture(t, &mockBackend{})

	var deltas []domain.StreamDeltaPayload
	f.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		var p domain.StreamDeltaPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		deltas = append(deltas, p)
	})

	f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:       domain.JobRunning,
		ContentSoFar: "hello",
	})
	f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:       domain.JobRunning,
		ContentSoFar: "hello world",
	})
	// A stale shorter snapshot merges nothing and announces nothing.
	f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:       domain.JobRunning,
		ContentSoFar: "hello",
	})

	require.Len(t, deltas, 2)
	assert.Equal(t, "hello", deltas[0].Delta)
	assert.Equal(t, 5, deltas[0].Revealed)
	assert.Equal(t, " world", deltas[1].Delta)
	assert.Equal(t, 11, deltas[1].Revealed)
	assert.Equal(t, "m1", deltas[1].MessageID)
	assert.Equal(t, f.run.RunID, deltas[1].RunID)
}

func TestReconcilerApplyCompleted(t *testing.T) {
	f := newReconFixture(t, &mockBackend{})
	require.NoError(t, f.cache.SetPendingRun("c1", PendingRun{RunID: f.run.RunID, MessageID: "m1"}))

	done := f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:        domain.JobCompleted,
		ContentSoFar:  "final answer",
		Sources:       []domain.Source{{Title: "doc"}},
		UsedDocuments: []string{"d1"},
	})
	assert.True(t, done)

	msg, _ := f.store.Message("m1")
	assert.Equal(t, "final answer", msg.Content)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	assert.Len(t, msg.Sources, 1)
	assert.Equal(t, []string{"d1"}, msg.UsedDocuments)

	_, running := f.store.Run(f.run.RunID)
	assert.False(t, running)

	// Terminal settle persists the chat and clears the marker.
	_, ok, err := f.cache.PendingRun("c1")
	require.NoError(t, err)
	assert.False(t, ok)
	cached, err := f.cache.LoadChat("c1")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "final answer", cached[0].Content)
}

func TestReconcilerApplyCompletedEmptyContentGetsFallback(t *testing.T) {
	f := newReconFixture(t, &mockBackend{})

	f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{Status: domain.JobCompleted})

	msg, _ := f.store.Message("m1")
	assert.Equal(t, fallbackEmptyResponse, msg.Content)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
}

func TestReconcilerApplyCancelledKeepsPartial(t *testing.T) {
	f := newReconFixture(t, &mockBackend{})
	_, err := f.store.UpdateMessage("m1", MessagePatch{Content: strPtr("kept so far")})
	require.NoError(t, err)

	done := f.recon.Apply(context.Background(), f.run.RunID, &domain.JobState{
		Status:       domain.JobCancelled,
		ContentSoFar: "kept",
	})
	assert.True(t, done)

	// Local content was longer than the backend's last snapshot; keep it.
	msg, _ := f.store.Message("m1")
	assert.Equal(t, "kept so far", msg.Content)
	assert.Equal(t, domain.MessageCancelled, msg.Status)
	assert.True(t, msg.IsPartial)
}

func TestReconcilerPollUntilCompleted(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	client := &mockBackend{
		jobState: func(_ context.Context, runID string) (*domain.JobState, error) {
			mu.Lock()
			defer mu.Unlock()
			polls++
			switch {
			case polls < 3:
				return &domain.JobState{Status: domain.JobRunning, ContentSoFar: "partial"}, nil
			default:
				return &domain.JobState{Status: domain.JobCompleted, ContentSoFar: "full text"}, nil
			}
		},
	}
	f := newReconFixture(t, client)

	f.recon.Start(context.Background(), f.run.RunID)
	require.Eventually(t, func() bool {
		msg, _ := f.store.Message("m1")
		return msg.Status == domain.MessageCompleted
	}, 2*time.Second, 5*time.Millisecond)

	msg, _ := f.store.Message("m1")
	assert.Equal(t, "full text", msg.Content)
	assert.Eventually(t, func() bool { return !f.recon.Tracked(f.run.RunID) }, time.Second, 5*time.Millisecond)
}

func TestReconcilerVanishedJobTreatedAsCancelled(t *testing.T) {
	client := &mockBackend{
		jobState: func(_ context.Context, runID string) (*domain.JobState, error) {
			return nil, domain.ErrJobNotFound
		},
	}
	f := newReconFixture(t, client)
	_, err := f.store.UpdateMessage("m1", MessagePatch{Content: strPtr("partial")})
	require.NoError(t, err)

	f.recon.Start(context.Background(), f.run.RunID)
	require.Eventually(t, func() bool {
		msg, _ := f.store.Message("m1")
		return msg.Status == domain.MessageCancelled
	}, 2*time.Second, 5*time.Millisecond)

	msg, _ := f.store.Message("m1")
	assert.Equal(t, "partial", msg.Content)
	assert.True(t, msg.IsPartial)
}

func TestReconcilerStartIsIdempotent(t *testing.T) {
	f := newReconFixture(t, &mockBackend{})
	f.recon.Start(context.Background(), f.run.RunID)
	f.recon.Start(context.Background(), f.run.RunID)
	assert.True(t, f.recon.Tracked(f.run.RunID))
	f.recon.Stop(f.run.RunID)
	assert.False(t, f.recon.Tracked(f.run.RunID))
}

func TestReconcilerRebindFollowsNewID(t *testing.T) {
	var mu sync.Mutex
	var polledIDs []string
	client := &mockBackend{
		jobState: func(_ context.Context, runID string) (*domain.JobState, error) {
			mu.Lock()
			polledIDs = append(polledIDs, runID)
			mu.Unlock()
			return &domain.JobState{Status: domain.JobRunning}, nil
		},
	}
	f := newReconFixture(t, client)

	f.recon.Start(context.Background(), f.run.RunID)
	_, err := f.runs.Rebind(f.run.RunID, "job-99")
	require.NoError(t, err)
	f.recon.Rebind(f.run.RunID, "job-99")

	assert.False(t, f.recon.Tracked(f.run.RunID))
	assert.True(t, f.recon.Tracked("job-99"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range polledIDs {
			if id == "job-99" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	f.recon.Stop("job-99")
}
