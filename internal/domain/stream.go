package domain

// StreamDeltaPayload is the payload for EventStreamDelta events.
// Published for each batch of characters revealed into a message.
type StreamDeltaPayload struct {
	RunID     string `json:"run_id"`
	MessageID string `json:"message_id"`
	Delta     string `json:"delta,omitempty"`
	Revealed  int    `json:"revealed"` // total characters revealed so far
	Done      bool   `json:"done,omitempty"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
// This is the signal that final-form rendering of structured content
// (fenced code, math delimiters) may now safely occur.
type StreamCompletedPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
}
