package usecase

import (
	"sort"
	"sync"
	"time"

	"parley/internal/domain"
)

// Store is the normalized in-memory conversation state: three keyed maps of
// chats, messages, and runs. It is the single source of truth; every other
// component reads and writes through it. All operations are synchronous and
// in-memory, with no I/O. Reads return defensive snapshots so callers cannot
// corrupt ordering invariants by mutating the result.
//
// The store serializes all mutation behind one mutex. Invariants hold after
// every individual mutation, not just at quiescence:
//   - at most one streaming assistant message per chat
//   - at most one running run per chat
//   - streaming content only grows; terminal content is immutable
//   - a run is reachable by exactly one run id at all times, including
//     across a rebind
type Store struct {
	mu        sync.Mutex
	chats     map[string]domain.Chat
	messages  map[string]domain.Message
	runs      map[string]domain.Run
	byRequest map[string]string // requestID -> runID, migrated on rebind
	seq       uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chats:     make(map[string]domain.Chat),
		messages:  make(map[string]domain.Message),
		runs:      make(map[string]domain.Run),
		byRequest: make(map[string]string),
	}
}

// MessagePatch is the single mutation shape for messages. Nil fields are
// left untouched.
type MessagePatch struct {
	Content       *string
	Status        *domain.MessageStatus
	Sources       []domain.Source
	UsedDocuments []string
	IsPartial     *bool
}

// RunPatch is the mutation shape for runs.
type RunPatch struct {
	Status  *domain.RunStatus
	LastSeq *int
}

// --- chats ---

// AddChat inserts a chat. Duplicate ids are rejected.
func (s *Store) AddChat(chat domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chat.ID]; ok {
		return domain.NewDomainError("Store.AddChat", domain.ErrDuplicate, chat.ID)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}
	s.chats[chat.ID] = chat
	return nil
}

// Chat returns the chat by id.
func (s *Store) Chat(id string) (domain.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	return c, ok
}

// Chats returns all chats, most recently updated first.
func (s *Store) Chats() []domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SetChatTitle updates a chat's title and bumps UpdatedAt.
func (s *Store) SetChatTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return domain.NewDomainError("Store.SetChatTitle", domain.ErrChatNotFound, id)
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	s.chats[id] = c
	return nil
}

// SetChatModule updates a chat's prompt module.
func (s *Store) SetChatModule(id, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return domain.NewDomainError("Store.SetChatModule", domain.ErrChatNotFound, id)
	}
	c.PromptModule = module
	c.UpdatedAt = time.Now()
	s.chats[id] = c
	return nil
}

// DeleteChat removes a chat and cascades to its messages and any run.
func (s *Store) DeleteChat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return domain.NewDomainError("Store.DeleteChat", domain.ErrChatNotFound, id)
	}
	delete(s.chats, id)
	s.deleteMessagesForChatLocked(id)
	for runID, r := range s.runs {
		if r.ChatID == id {
			delete(s.runs, runID)
			delete(s.byRequest, r.RequestID)
		}
	}
	return nil
}

// --- messages ---

// AddMessage inserts a message, assigning Seq and defaulting CreatedAt.
// A second streaming assistant message for the same chat is rejected.
func (s *Store) AddMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(msg)
}

// AddMessagePair atomically inserts the user message and the assistant
// placeholder for one send. Either both land or neither does; this
// guarantees the placeholder pair exists before the run is created.
func (s *Store) AddMessagePair(user, assistant domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAddLocked(user); err != nil {
		return err
	}
	if err := s.checkAddLocked(assistant); err != nil {
		return err
	}
	s.insertLocked(user)
	s.insertLocked(assistant)
	return nil
}

func (s *Store) addMessageLocked(msg domain.Message) error {
	if err := s.checkAddLocked(msg); err != nil {
		return err
	}
	s.insertLocked(msg)
	return nil
}

func (s *Store) checkAddLocked(msg domain.Message) error {
	if msg.ID == "" {
		return domain.NewDomainError("Store.AddMessage", domain.ErrInvalidInput, "empty message id")
	}
	if _, ok := s.messages[msg.ID]; ok {
		return domain.NewDomainError("Store.AddMessage", domain.ErrDuplicate, msg.ID)
	}
	if msg.Role == domain.RoleAssistant && msg.Status == domain.MessageStreaming {
		for _, m := range s.messages {
			if m.ChatID == msg.ChatID && m.Role == domain.RoleAssistant && m.Status == domain.MessageStreaming {
				return domain.NewDomainError("Store.AddMessage", domain.ErrDuplicate,
					"chat "+msg.ChatID+" already has a streaming assistant message")
			}
		}
	}
	return nil
}

func (s *Store) insertLocked(msg domain.Message) {
	s.seq++
	msg.Seq = s.seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ID] = msg
	if c, ok := s.chats[msg.ChatID]; ok {
		c.UpdatedAt = msg.CreatedAt
		s.chats[msg.ChatID] = c
	}
}

// Message returns the message by id.
func (s *Store) Message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// UpdateMessage applies a patch to the message with the given id. This is
// the only write path for message state. Rules enforced here, after every
// suspension point elsewhere may have let time pass:
//   - terminal messages are immutable (ErrStreamFrozen)
//   - content may not shrink while the message stays streaming
//     (ErrContentRetraction); a patch that also moves the message to a
//     terminal status may truncate, which is how cancellation keeps only
//     the revealed prefix
func (s *Store) UpdateMessage(id string, patch MessagePatch) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, domain.NewDomainError("Store.UpdateMessage", domain.ErrMessageNotFound, id)
	}
	if m.Terminal() {
		return domain.Message{}, domain.NewDomainError("Store.UpdateMessage", domain.ErrStreamFrozen, id)
	}

	toTerminal := patch.Status != nil &&
		(*patch.Status == domain.MessageCompleted || *patch.Status == domain.MessageCancelled)

	if patch.Content != nil {
		if m.Status == domain.MessageStreaming && !toTerminal && len(*patch.Content) < len(m.Content) {
			return domain.Message{}, domain.NewDomainError("Store.UpdateMessage", domain.ErrContentRetraction, id)
		}
		m.Content = *patch.Content
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.Sources != nil {
		m.Sources = append([]domain.Source(nil), patch.Sources...)
	}
	if patch.UsedDocuments != nil {
		m.UsedDocuments = append([]string(nil), patch.UsedDocuments...)
	}
	if patch.IsPartial != nil {
		m.IsPartial = *patch.IsPartial
	}

	s.messages[id] = m
	return m, nil
}

// MessagesForChat returns the chat's messages ordered by creation. The
// result is a snapshot; mutating it does not touch the store.
func (s *Store) MessagesForChat(chatID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, 0, 16)
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// DeleteMessagesForChat removes all messages belonging to chatID.
func (s *Store) DeleteMessagesForChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteMessagesForChatLocked(chatID)
}

func (s *Store) deleteMessagesForChatLocked(chatID string) {
	for id, m := range s.messages {
		if m.ChatID == chatID {
			delete(s.messages, id)
		}
	}
}

// DeleteMessage removes a single message.
func (s *Store) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}

// --- runs ---

// AddRun inserts a run. A second running run for the same chat is rejected;
// this is the at-most-one-active-run invariant.
func (s *Store) AddRun(run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.RunID == "" {
		return domain.NewDomainError("Store.AddRun", domain.ErrInvalidInput, "empty run id")
	}
	if _, ok := s.runs[run.RunID]; ok {
		return domain.NewDomainError("Store.AddRun", domain.ErrDuplicate, run.RunID)
	}
	for _, r := range s.runs {
		if r.ChatID == run.ChatID && r.Status == domain.RunRunning {
			return domain.NewDomainError("Store.AddRun", domain.ErrRunActive, run.ChatID)
		}
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = domain.RunRunning
	}
	s.runs[run.RunID] = run
	if run.RequestID != "" {
		s.byRequest[run.RequestID] = run.RunID
	}
	return nil
}

// Run returns the run by run id.
func (s *Store) Run(runID string) (domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	return r, ok
}

// RunByRequestID returns the run by its idempotency key.
func (s *Store) RunByRequestID(requestID string) (domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.byRequest[requestID]
	if !ok {
		return domain.Run{}, false
	}
	r, ok := s.runs[runID]
	return r, ok
}

// RunningRunForChat returns the chat's running run, if any.
func (s *Store) RunningRunForChat(chatID string) (domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ChatID == chatID && r.Status == domain.RunRunning {
			return r, true
		}
	}
	return domain.Run{}, false
}

// Runs returns a snapshot of all runs.
func (s *Store) Runs() []domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

// UpdateRun applies a patch to a run.
func (s *Store) UpdateRun(runID string, patch RunPatch) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, domain.NewDomainError("Store.UpdateRun", domain.ErrRunNotFound, runID)
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.LastSeq != nil {
		r.LastSeq = *patch.LastSeq
	}
	s.runs[runID] = r
	return r, nil
}

// RebindRun migrates a run from its client-generated placeholder id to the
// backend-issued id in one mutation, so there is no window where the run is
// unreachable by either id. The request-id index follows the run.
func (s *Store) RebindRun(oldID, newID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID == newID {
		r, ok := s.runs[oldID]
		if !ok {
			return domain.Run{}, domain.NewDomainError("Store.RebindRun", domain.ErrRunNotFound, oldID)
		}
		return r, nil
	}
	r, ok := s.runs[oldID]
	if !ok {
		return domain.Run{}, domain.NewDomainError("Store.RebindRun", domain.ErrRunNotFound, oldID)
	}
	if _, ok := s.runs[newID]; ok {
		return domain.Run{}, domain.NewDomainError("Store.RebindRun", domain.ErrDuplicate, newID)
	}
	delete(s.runs, oldID)
	r.RunID = newID
	s.runs[newID] = r
	if r.RequestID != "" {
		s.byRequest[r.RequestID] = newID
	}
	return r, nil
}

// RemoveRun erases a run. Called exactly when a run reaches a terminal
// state; terminal runs are never stored.
func (s *Store) RemoveRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		delete(s.runs, runID)
		delete(s.byRequest, r.RequestID)
	}
}
