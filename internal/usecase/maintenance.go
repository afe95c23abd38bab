package usecase

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance runs periodic housekeeping: reaping pendingRun markers whose
// backend job can no longer be in flight, and compacting the cache.
type Maintenance struct {
	cache  *MessageCache
	store  *Store
	logger *slog.Logger
	ttl    time.Duration
	cron   *cron.Cron
}

// NewMaintenance creates the housekeeping scheduler. Markers older than ttl
// are reaped.
func NewMaintenance(cache *MessageCache, store *Store, ttl time.Duration, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		cache:  cache,
		store:  store,
		logger: logger,
		ttl:    ttl,
		cron:   cron.New(),
	}
}

// Start schedules the reap job and starts the scheduler. The schedule
// accepts standard cron expressions and descriptors like "@every 10m".
func (m *Maintenance) Start(schedule string) error {
	if _, err := m.cron.AddFunc(schedule, m.runOnce); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintenance) runOnce() {
	reaped := m.ReapStalePendingRuns()
	if reaped > 0 {
		m.logger.Info("reaped stale pending runs", "count", reaped)
	}
	if err := m.cache.Compact(); err != nil {
		m.logger.Warn("cache compaction failed", "error", err)
	}
}

// ReapStalePendingRuns removes pendingRun markers older than the TTL whose
// run is not live in the store, and returns the count removed. A marker
// with a live run is left alone regardless of age: the reconciler owns it.
func (m *Maintenance) ReapStalePendingRuns() int {
	markers, err := m.cache.PendingRuns()
	if err != nil {
		m.logger.Warn("pending run scan failed", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-m.ttl)
	reaped := 0
	for _, p := range markers {
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, live := m.store.Run(p.RunID); live {
			continue
		}
		m.cache.ClearPendingRun(p.ChatID)
		reaped++
	}
	return reaped
}
