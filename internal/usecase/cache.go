package usecase

import (
	"encoding/json"
	"log/slog"
	"time"

	"parley/internal/domain"
)

// Key prefixes in the local KV cache.
const (
	cacheKeyMessages   = "chat:msgs:"
	cacheKeyPendingRun = "chat:pending:"
)

// PendingRun marks an outstanding backend job for a chat so that after a
// restart the reconciler can re-attach to a job still in flight server-side.
type PendingRun struct {
	RunID     string    `json:"run_id"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageCache persists per-chat messages and pendingRun markers through
// the generic key-value collaborator. Only completed and cancelled messages
// are ever written: in-flight content cannot be resumed safely after a
// reload, so persisting it is forbidden.
type MessageCache struct {
	kv     domain.KV
	logger *slog.Logger
}

// NewMessageCache wraps a KV store.
func NewMessageCache(kv domain.KV, logger *slog.Logger) *MessageCache {
	return &MessageCache{kv: kv, logger: logger}
}

// SaveChat writes the chat's terminal messages, silently dropping any that
// are still streaming.
func (c *MessageCache) SaveChat(chatID string, msgs []domain.Message) error {
	terminal := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Terminal() {
			terminal = append(terminal, m)
		}
	}
	data, err := json.Marshal(terminal)
	if err != nil {
		return domain.WrapOp("MessageCache.SaveChat", err)
	}
	if err := c.kv.Set([]byte(cacheKeyMessages+chatID), data); err != nil {
		return domain.NewDomainError("MessageCache.SaveChat", domain.ErrCacheWrite, err.Error())
	}
	return nil
}

// LoadChat reads the cached messages for a chat. A missing entry yields an
// empty slice.
func (c *MessageCache) LoadChat(chatID string) ([]domain.Message, error) {
	data, ok, err := c.kv.Get([]byte(cacheKeyMessages + chatID))
	if err != nil {
		return nil, domain.WrapOp("MessageCache.LoadChat", err)
	}
	if !ok {
		return nil, nil
	}
	var msgs []domain.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, domain.WrapOp("MessageCache.LoadChat", err)
	}
	return msgs, nil
}

// DeleteChat removes the chat's cached messages and pendingRun marker.
func (c *MessageCache) DeleteChat(chatID string) {
	if err := c.kv.Delete([]byte(cacheKeyMessages + chatID)); err != nil {
		c.logger.Warn("cache delete failed", "chat", chatID, "error", err)
	}
	c.ClearPendingRun(chatID)
}

// SetPendingRun records an outstanding backend job for the chat.
func (c *MessageCache) SetPendingRun(chatID string, p PendingRun) error {
	p.ChatID = chatID
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return domain.WrapOp("MessageCache.SetPendingRun", err)
	}
	if err := c.kv.Set([]byte(cacheKeyPendingRun+chatID), data); err != nil {
		return domain.NewDomainError("MessageCache.SetPendingRun", domain.ErrCacheWrite, err.Error())
	}
	return nil
}

// PendingRun returns the chat's pendingRun marker, if any.
func (c *MessageCache) PendingRun(chatID string) (PendingRun, bool, error) {
	data, ok, err := c.kv.Get([]byte(cacheKeyPendingRun + chatID))
	if err != nil || !ok {
		return PendingRun{}, false, domain.WrapOp("MessageCache.PendingRun", err)
	}
	var p PendingRun
	if err := json.Unmarshal(data, &p); err != nil {
		return PendingRun{}, false, domain.WrapOp("MessageCache.PendingRun", err)
	}
	return p, true, nil
}

// ClearPendingRun removes the chat's pendingRun marker.
func (c *MessageCache) ClearPendingRun(chatID string) {
	if err := c.kv.Delete([]byte(cacheKeyPendingRun + chatID)); err != nil {
		c.logger.Warn("pending run clear failed", "chat", chatID, "error", err)
	}
}

// PendingRuns scans all pendingRun markers. Used by the maintenance reaper.
func (c *MessageCache) PendingRuns() ([]PendingRun, error) {
	var out []PendingRun
	err := c.kv.Scan([]byte(cacheKeyPendingRun), func(_, value []byte) error {
		var p PendingRun
		if err := json.Unmarshal(value, &p); err != nil {
			// A corrupt marker is skipped, not fatal.
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, domain.WrapOp("MessageCache.PendingRuns", err)
	}
	return out, nil
}

// Compact reclaims space in the underlying store.
func (c *MessageCache) Compact() error {
	return c.kv.Compact()
}
