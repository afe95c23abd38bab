package usecase

import (
	"parley/internal/domain"
	"parley/internal/usecase/eventbus"
)

// newEvent builds a bus envelope for a core event.
func newEvent(eventType domain.EventType, chatID string, payload any) domain.Event {
	return eventbus.NewEvent(eventType, chatID, payload)
}
