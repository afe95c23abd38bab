package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageStatus tracks the reveal state of a message.
type MessageStatus string

const (
	// MessageStreaming means content is still arriving; Content may only grow.
	MessageStreaming MessageStatus = "streaming"
	// MessageCompleted means the message reached its final form.
	MessageCompleted MessageStatus = "completed"
	// MessageCancelled means generation was stopped; Content holds whatever
	// had been revealed at that point.
	MessageCancelled MessageStatus = "cancelled"
)

// Source is a citation attached to an assistant message.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Attachment describes a file attached to a user message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Message is a single message in a chat. Messages are owned by the store:
// components mutate them only through the store's update-by-id operation,
// never by direct field assignment.
type Message struct {
	ID              string        `json:"id"`
	ChatID          string        `json:"chat_id"`
	Role            string        `json:"role"`
	Content         string        `json:"content"`
	Status          MessageStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	Seq             uint64        `json:"seq"` // store-assigned insertion counter, stabilizes ordering
	Sources         []Source      `json:"sources,omitempty"`
	UsedDocuments   []string      `json:"used_documents,omitempty"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
	Attachments     []Attachment  `json:"attachments,omitempty"`
	DocumentIDs     []string      `json:"document_ids,omitempty"`
	Module          string        `json:"module,omitempty"`
	IsPartial       bool          `json:"is_partial,omitempty"`
}

// Terminal reports whether the message content is immutable.
func (m Message) Terminal() bool {
	return m.Status == MessageCompleted || m.Status == MessageCancelled
}
