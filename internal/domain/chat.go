package domain

import "time"

// Chat is one conversation. Chats are created lazily on the first user send
// or explicitly through the service API. The core only ever mutates Title
// and UpdatedAt; everything else is immutable after creation.
type Chat struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	PromptModule string    `json:"prompt_module,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
