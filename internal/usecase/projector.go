package usecase

import (
	"parley/internal/domain"
)

// DisplayMessage is a message prepared for rendering. It is a pure
// projection of store state: calling Project twice in a row returns equal
// results, and nothing here writes back to the store.
type DisplayMessage struct {
	ID            string
	Role          string
	Content       string
	Status        domain.MessageStatus
	IsTyping      bool
	IsPartial     bool
	Sources       []domain.Source
	UsedDocuments []string
	Attachments   []domain.Attachment
	CreatedAt     int64
}

// Projector derives render-ready views from the store.
type Projector struct {
	store *Store
}

// NewProjector creates a projector over the store.
func NewProjector(store *Store) *Projector {
	return &Projector{store: store}
}

// Project returns the chat's messages in display order. Streaming content
// is trimmed to its balanced prefix so an open code fence or math marker is
// never shown half-open; the held tail reappears as soon as its closer
// streams in, and terminal messages always show their full content.
func (p *Projector) Project(chatID string) []DisplayMessage {
	msgs := p.store.MessagesForChat(chatID)
	out := make([]DisplayMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, p.project(m))
	}
	return out
}

// ProjectMessage projects a single message by id.
func (p *Projector) ProjectMessage(messageID string) (DisplayMessage, bool) {
	m, ok := p.store.Message(messageID)
	if !ok {
		return DisplayMessage{}, false
	}
	return p.project(m), true
}

func (p *Projector) project(m domain.Message) DisplayMessage {
	content := m.Content
	typing := !m.Terminal()
	if typing {
		content, _ = BalancedPrefix(content)
	}
	return DisplayMessage{
		ID:            m.ID,
		Role:          m.Role,
		Content:       content,
		Status:        m.Status,
		IsTyping:      typing,
		IsPartial:     m.IsPartial,
		Sources:       m.Sources,
		UsedDocuments: m.UsedDocuments,
		Attachments:   m.Attachments,
		CreatedAt:     m.CreatedAt.UnixMilli(),
	}
}
