package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
)

func TestMessageCacheSaveFiltersStreaming(t *testing.T) {
	c := NewMessageCache(newMemKV(), testLogger())

	msgs := []domain.Message{
		newUserMessage("u1", "c1", "hi"),
		newStreamingAssistant("m1", "c1"),
	}
	require.NoError(t, c.SaveChat("c1", msgs))

	loaded, err := c.LoadChat("c1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "u1", loaded[0].ID)
}

func TestMessageCacheLoadMissingChat(t *testing.T) {
	c := NewMessageCache(newMemKV(), testLogger())
	loaded, err := c.LoadChat("nope")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestMessageCachePendingRunRoundTrip(t *testing.T) {
	c := NewMessageCache(newMemKV(), testLogger())

	require.NoError(t, c.SetPendingRun("c1", PendingRun{RunID: "r1", MessageID: "m1"}))
	p, ok, err := c.PendingRun("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", p.RunID)
	assert.Equal(t, "c1", p.ChatID)
	assert.False(t, p.UpdatedAt.IsZero())

	c.ClearPendingRun("c1")
	_, ok, err = c.PendingRun("c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageCacheDeleteChat(t *testing.T) {
	c := NewMessageCache(newMemKV(), testLogger())
	require.NoError(t, c.SaveChat("c1", []domain.Message{newUserMessage("u1", "c1", "hi")}))
	require.NoError(t, c.SetPendingRun("c1", PendingRun{RunID: "r1"}))

	c.DeleteChat("c1")

	loaded, err := c.LoadChat("c1")
	require.NoError(t, err)
	assert.Empty(t, loaded)
	_, ok, _ := c.PendingRun("c1")
	assert.False(t, ok)
}

func TestMessageCachePendingRunsScan(t *testing.T) {
	c := NewMessageCache(newMemKV(), testLogger())
	require.NoError(t, c.SetPendingRun("c1", PendingRun{RunID: "r1"}))
	require.NoError(t, c.SetPendingRun("c2", PendingRun{RunID: "r2"}))

	markers, err := c.PendingRuns()
	require.NoError(t, err)
	assert.Len(t, markers, 2)
}

func TestMaintenanceReapsStaleMarkers(t *testing.T) {
	store := NewStore()
	c := NewMessageCache(newMemKV(), testLogger())

	stale := PendingRun{RunID: "r-old", MessageID: "m1", UpdatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := PendingRun{RunID: "r-new", MessageID: "m2", UpdatedAt: time.Now()}
	require.NoError(t, c.SetPendingRun("c1", stale))
	require.NoError(t, c.SetPendingRun("c2", fresh))

	m := NewMaintenance(c, store, time.Hour, testLogger())
	reaped := m.ReapStalePendingRuns()
	assert.Equal(t, 1, reaped)

	_, ok, _ := c.PendingRun("c1")
	assert.False(t, ok)
	_, ok, _ = c.PendingRun("c2")
	assert.True(t, ok)
}

func TestMaintenanceSparesLiveRuns(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.AddChat(newTestChat("c1")))
	require.NoError(t, store.AddRun(domain.Run{RunID: "r-live", ChatID: "c1", Status: domain.RunRunning}))

	c := NewMessageCache(newMemKV(), testLogger())
	require.NoError(t, c.SetPendingRun("c1", PendingRun{
		RunID:     "r-live",
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}))

	m := NewMaintenance(c, store, time.Hour, testLogger())
	assert.Equal(t, 0, m.ReapStalePendingRuns())
	_, ok, _ := c.PendingRun("c1")
	assert.True(t, ok)
}
