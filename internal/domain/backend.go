package domain

import (
	"context"
	"time"
)

// Backend job status strings as reported by GET /runs/{id}.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobCancelled = "cancelled"
	JobFailed    = "failed"
)

// SendRequest is the outbound payload for POST /chats/{id}/messages.
type SendRequest struct {
	Content         string       `json:"content"`
	RequestID       string       `json:"request_id"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	DocumentIDs     []string     `json:"document_ids,omitempty"`
	Module          string       `json:"module,omitempty"`
}

// JobHandle references an asynchronous backend generation job.
type JobHandle struct {
	RunID     string `json:"runId"`
	MessageID string `json:"messageId"`
	Streaming bool   `json:"streaming"`
}

// SendResult is the response to a send. Exactly one of Message or Job is
// set: an inline message means the full text arrived synchronously and
// should be animated; a job handle means the work continues server-side
// and must be reconciled by polling (or push).
type SendResult struct {
	Message       *HistoryMessage `json:"message,omitempty"`
	Sources       []Source        `json:"sources,omitempty"`
	UsedDocuments []string        `json:"usedDocuments,omitempty"`
	Job           *JobHandle      `json:"debugInfo,omitempty"`
}

// JobState is the response to GET /runs/{id}.
type JobState struct {
	Status        string    `json:"status"`
	ContentSoFar  string    `json:"contentSoFar"`
	Sources       []Source  `json:"sources,omitempty"`
	UsedDocuments []string  `json:"usedDocuments,omitempty"`
	MessageID     string    `json:"messageId"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// HistoryMessage is a backend-shaped message, used both for inline send
// results and for paginated history.
type HistoryMessage struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	Sources       []Source  `json:"sources,omitempty"`
	UsedDocuments []string  `json:"usedDocuments,omitempty"`
	Module        string    `json:"module,omitempty"`
}

// HistoryPage is one page of GET /chats/{id}/messages.
type HistoryPage struct {
	Messages   []HistoryMessage `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// BackendClient is the remote chat/generation API consumed by the core.
// Implementations map transport failures to the category sentinels so the
// send path can classify them; a missing job must surface ErrJobNotFound.
type BackendClient interface {
	// CreateChat creates a chat server-side.
	CreateChat(ctx context.Context, title, promptModule string) (*Chat, error)
	// SendMessage submits a user message and returns either an inline
	// result or a job handle.
	SendMessage(ctx context.Context, chatID string, req SendRequest) (*SendResult, error)
	// JobState fetches the state of an asynchronous generation job.
	JobState(ctx context.Context, runID string) (*JobState, error)
	// CancelJob requests remote cancellation. Best effort: callers treat it
	// as fire-and-forget and never surface its error to the user.
	CancelJob(ctx context.Context, runID string) error
	// ListMessages fetches one page of chat history, oldest first.
	ListMessages(ctx context.Context, chatID, cursor string, limit int) (*HistoryPage, error)
}
