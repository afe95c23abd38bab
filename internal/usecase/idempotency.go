package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/domain"
)

// contentDedupeWindow is how long an identical outbound content+chat pair is
// considered a duplicate of the previous send attempt.
const contentDedupeWindow = 2 * time.Second

// Gate enforces send idempotency: a single boolean send lock, the set of
// in-flight request ids, and a short-window duplicate-content check. At most
// one outbound send is admitted per user action; retried events (double
// key-press, re-rendered submit) are dropped before they reach the network.
//
// Acquisition is scoped: the caller obtains the gate before the network
// call and must release on every exit path. Service.Send does this with a
// single deferred release so release cannot be skipped.
type Gate struct {
	mu       sync.Mutex
	locked   bool
	inflight map[string]struct{}
	store    *Store

	lastChatID  string
	lastContent string
	lastSentAt  time.Time
}

// NewGate creates a gate bound to the store it consults for running runs.
func NewGate(store *Store) *Gate {
	return &Gate{
		inflight: make(map[string]struct{}),
		store:    store,
	}
}

// NewRequestID returns a fresh idempotency key.
func NewRequestID() string {
	return uuid.New().String()
}

// TryAcquire admits one send. It fails with ErrSendLocked if the boolean
// lock is held or requestID is already in flight, with ErrRunActive if the
// target chat already has a running run, and with ErrDuplicate if the same
// content was sent to the same chat within the dedupe window. All of these
// are idempotency conflicts, silently dropped by the caller.
func (g *Gate) TryAcquire(requestID, chatID, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locked {
		return domain.NewDomainError("Gate.TryAcquire", domain.ErrSendLocked, "send lock held")
	}
	if _, ok := g.inflight[requestID]; ok {
		return domain.NewDomainError("Gate.TryAcquire", domain.ErrSendLocked, "request already in flight: "+requestID)
	}
	if chatID != "" {
		if _, running := g.store.RunningRunForChat(chatID); running {
			return domain.NewDomainError("Gate.TryAcquire", domain.ErrRunActive, chatID)
		}
	}
	if chatID != "" && chatID == g.lastChatID && content == g.lastContent &&
		time.Since(g.lastSentAt) < contentDedupeWindow {
		return domain.NewDomainError("Gate.TryAcquire", domain.ErrDuplicate, "identical content within dedupe window")
	}

	g.locked = true
	g.inflight[requestID] = struct{}{}
	g.lastChatID = chatID
	g.lastContent = content
	g.lastSentAt = time.Now()
	return nil
}

// Release restores the boolean lock and forgets the request id. Safe to
// call for an id that was never acquired; releasing twice is a no-op.
func (g *Gate) Release(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inflight[requestID]; !ok {
		return
	}
	delete(g.inflight, requestID)
	g.locked = false
}

// InFlight reports the number of unreleased request ids. Intended for tests.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Locked reports whether the boolean send lock is currently held.
func (g *Gate) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}
