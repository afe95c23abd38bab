package domain

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a generation run.
// running is the only stored state; the terminal states are reached
// transiently and the run is erased in the same mutation.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// CancelHandle is the cooperative cancellation handle for a run. It is
// checked at every suspension point in the animator and reconciler, and its
// context is propagated into the network layer to abort in-flight requests.
type CancelHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelHandle derives a cancellable handle from parent.
func NewCancelHandle(parent context.Context) *CancelHandle {
	ctx, cancel := context.WithCancel(parent)
	return &CancelHandle{ctx: ctx, cancel: cancel}
}

// Abort signals cancellation. Safe to call more than once.
func (h *CancelHandle) Abort() { h.cancel() }

// Aborted reports whether Abort has been called (or the parent ended).
func (h *CancelHandle) Aborted() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (h *CancelHandle) Done() <-chan struct{} { return h.ctx.Done() }

// Context returns the handle's context for passing into network calls.
func (h *CancelHandle) Context() context.Context { return h.ctx }

// Run is an in-flight generation job filling exactly one assistant message.
// RunID starts as a client-generated placeholder and may be rebound to a
// backend-issued job id once the remote send responds; the rebind keeps the
// run's logical identity and its 1:1 link to AssistantMessageID.
type Run struct {
	RunID              string        `json:"run_id"`
	RequestID          string        `json:"request_id"`
	ChatID             string        `json:"chat_id"`
	AssistantMessageID string        `json:"assistant_message_id"`
	Status             RunStatus     `json:"status"`
	StartedAt          time.Time     `json:"started_at"`
	LastSeq            int           `json:"last_seq"`
	Handle             *CancelHandle `json:"-"`
}
