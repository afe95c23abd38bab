package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

// Event topics and their payload contracts. Each topic carries exactly one
// payload type, JSON-encoded into Event.Payload.
const (
	// EventChatCreated — payload ChatEventPayload.
	EventChatCreated EventType = "chat.created"
	// EventChatDeleted — payload ChatEventPayload. Published after the chat,
	// its messages, and any run have been removed from the store.
	EventChatDeleted EventType = "chat.deleted"
	// EventChatModuleChanged — payload ChatModulePayload.
	EventChatModuleChanged EventType = "chat.module.changed"
	// EventRunStarted — payload RunEventPayload.
	EventRunStarted EventType = "run.started"
	// EventRunCompleted — payload RunEventPayload.
	EventRunCompleted EventType = "run.completed"
	// EventRunCancelled — payload RunEventPayload.
	EventRunCancelled EventType = "run.cancelled"
	// EventRunFailed — payload RunEventPayload.
	EventRunFailed EventType = "run.failed"
	// EventStreamDelta — payload StreamDeltaPayload. One event per content
	// increment: each revealed animation batch, and each poll or push merge
	// that grew a job-backed message.
	EventStreamDelta EventType = "stream.delta"
	// EventStreamCompleted — payload StreamCompletedPayload. The
	// structured-render signal: fires only after the message reached
	// completed, never during streaming.
	EventStreamCompleted EventType = "stream.completed"
	// EventVisibilityChanged — payload VisibilityPayload.
	EventVisibilityChanged EventType = "view.visibility"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ChatID    string          `json:"chat_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for core events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close prevents further publishes. Delivery is synchronous, so any
	// handler still running belongs to a Publish call already in progress.
	Close()
}

// ChatEventPayload is the payload for chat.created and chat.deleted.
type ChatEventPayload struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title,omitempty"`
}

// ChatModulePayload is the payload for chat.module.changed.
type ChatModulePayload struct {
	ChatID string `json:"chat_id"`
	Module string `json:"module"`
}

// RunEventPayload is the payload for the run.* topics.
type RunEventPayload struct {
	RunID              string `json:"run_id"`
	ChatID             string `json:"chat_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// VisibilityPayload is the payload for view.visibility.
type VisibilityPayload struct {
	Visible bool `json:"visible"`
}
