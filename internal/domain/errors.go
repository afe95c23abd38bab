package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap these with fmt.Errorf("%w: ...") or DomainError
// so callers can classify with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrUnavailable  = fmt.Errorf("backend unavailable")
)

// Sentinel errors for the conversation core.
var (
	ErrChatNotFound    = fmt.Errorf("chat %w", ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)
	ErrRunNotFound     = fmt.Errorf("run %w", ErrNotFound)
	ErrJobNotFound     = fmt.Errorf("backend job %w", ErrNotFound)

	// ErrSendLocked means the send lock is held or the request id is already
	// in flight. It represents the gate correctly preventing a double action,
	// not a failure; callers drop it silently.
	ErrSendLocked = fmt.Errorf("send in progress: %w", ErrDuplicate)

	// ErrRunActive means the chat already has a running generation.
	ErrRunActive = fmt.Errorf("chat already has a running generation: %w", ErrDuplicate)

	// ErrStreamFrozen means an update targeted a message whose content is
	// already immutable (completed or cancelled).
	ErrStreamFrozen = fmt.Errorf("message content is frozen")

	// ErrContentRetraction means an update tried to shrink streaming content.
	ErrContentRetraction = fmt.Errorf("streaming content may not shrink")

	// ErrEmptyResponse means the backend answered with no usable content.
	ErrEmptyResponse = fmt.Errorf("empty or malformed response")

	// ErrCacheWrite means the local persistence collaborator failed.
	ErrCacheWrite = fmt.Errorf("cache write failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Store.AddRun")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeChatNotFound      ErrorCode = "CHAT_NOT_FOUND"
	CodeMessageNotFound   ErrorCode = "MESSAGE_NOT_FOUND"
	CodeRunNotFound       ErrorCode = "RUN_NOT_FOUND"
	CodeJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	CodeSendLocked        ErrorCode = "SEND_LOCKED"
	CodeRunActive         ErrorCode = "RUN_ACTIVE"
	CodeStreamFrozen      ErrorCode = "STREAM_FROZEN"
	CodeContentRetraction ErrorCode = "CONTENT_RETRACTION"
	CodeEmptyResponse     ErrorCode = "EMPTY_RESPONSE"
	CodeCacheWrite        ErrorCode = "CACHE_WRITE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Specific sentinels are listed before the categories they wrap so that
// ErrorCodeOf resolves to the most specific code.
var errorCodeOrder = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrChatNotFound, CodeChatNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrRunNotFound, CodeRunNotFound},
	{ErrJobNotFound, CodeJobNotFound},
	{ErrSendLocked, CodeSendLocked},
	{ErrRunActive, CodeRunActive},
	{ErrStreamFrozen, CodeStreamFrozen},
	{ErrContentRetraction, CodeContentRetraction},
	{ErrEmptyResponse, CodeEmptyResponse},
	{ErrCacheWrite, CodeCacheWrite},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrUnavailable, CodeUnavailable},
}

// ErrorCodeOf returns the machine-parseable error code for the given error,
// walking the error chain with errors.Is. Returns CodeUnknown if no matching
// sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeOrder {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
