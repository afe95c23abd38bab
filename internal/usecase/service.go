package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
)

// Fallback lines written into the assistant message when the backend
// produced nothing usable. The message still completes so the conversation
// is never left with a silently empty bubble.
const (
	fallbackEmptyResponse = "No response was received. Please try again."
	fallbackSendFailed    = "Something went wrong while sending your message. Please try again."
)

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	RequestID       string
	ClientMessageID string
	Attachments     []domain.Attachment
	DocumentIDs     []string
	Module          string
}

// SendReceipt identifies the state a successful send created.
type SendReceipt struct {
	ChatID             string
	RequestID          string
	RunID              string
	UserMessageID      string
	AssistantMessageID string
}

// Service is the orchestration layer over the store, gate, lifecycle,
// animator, and reconciler. All externally triggered operations enter here.
type Service struct {
	store      *Store
	gate       *Gate
	runs       *Lifecycle
	anim       *Animator
	recon      *Reconciler
	cache      *MessageCache
	client     domain.BackendClient
	classifier *SendClassifier
	bus        domain.EventBus
	logger     *slog.Logger

	visible         atomic.Bool
	historyPageSize int
}

// NewService wires the orchestrator. The view starts visible.
func NewService(store *Store, gate *Gate, runs *Lifecycle, anim *Animator, recon *Reconciler, cache *MessageCache, client domain.BackendClient, bus domain.EventBus, historyPageSize int, logger *slog.Logger) *Service {
	if historyPageSize <= 0 {
		historyPageSize = 100
	}
	s := &Service{
		store:           store,
		gate:            gate,
		runs:            runs,
		anim:            anim,
		recon:           recon,
		cache:           cache,
		client:          client,
		classifier:      NewSendClassifier(),
		bus:             bus,
		logger:          logger,
		historyPageSize: historyPageSize,
	}
	s.visible.Store(true)
	return s
}

// Visible reports whether the view is currently shown. The animator reads
// this through a function value so it always sees the current value, never
// one captured at construction.
func (s *Service) Visible() bool {
	return s.visible.Load()
}

// SetVisible flips view visibility. Hiding does not pause anything; a
// running animation completes its message immediately on its next batch,
// and polling continues so a returning viewer sees caught-up state.
func (s *Service) SetVisible(ctx context.Context, v bool) {
	if s.visible.Swap(v) == v {
		return
	}
	if s.bus != nil {
		s.bus.Publish(ctx, newEvent(domain.EventVisibilityChanged, "", domain.VisibilityPayload{Visible: v}))
	}
}

// CreateChat creates a chat on the backend and mirrors it locally.
func (s *Service) CreateChat(ctx context.Context, title, promptModule string) (domain.Chat, error) {
	ctx, span := tracer.StartSpan(ctx, "service.CreateChat")
	defer span.End()

	chat, err := s.client.CreateChat(ctx, title, promptModule)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Chat{}, domain.WrapOp("Service.CreateChat", err)
	}
	if err := s.store.AddChat(*chat); err != nil {
		return domain.Chat{}, domain.WrapOp("Service.CreateChat", err)
	}
	if s.bus != nil {
		s.bus.Publish(ctx, newEvent(domain.EventChatCreated, chat.ID, domain.ChatEventPayload{
			ChatID: chat.ID,
			Title:  chat.Title,
		}))
	}
	tracer.SetOK(span)
	return *chat, nil
}

// SetChatModule changes the chat's prompt module.
func (s *Service) SetChatModule(ctx context.Context, chatID, module string) error {
	if err := s.store.SetChatModule(chatID, module); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(ctx, newEvent(domain.EventChatModuleChanged, chatID, domain.ChatModulePayload{
			ChatID: chatID,
			Module: module,
		}))
	}
	return nil
}

// Send submits a user message and starts assistant generation. An empty
// chatID creates the chat lazily first. The call returns once the remote
// send settled; streaming reveal or job reconciliation continues in the
// background. Benign suppressions (gate held, run active, user abort) come
// back as errors wrapping domain.ErrDuplicate and warrant no user-facing
// error surface.
func (s *Service) Send(ctx context.Context, chatID, content string, opts SendOptions) (*SendReceipt, error) {
	ctx, span := tracer.StartSpan(ctx, "service.Send")
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" && len(opts.Attachments) == 0 {
		return nil, domain.NewDomainError("Service.Send", domain.ErrInvalidInput, "empty message")
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = NewRequestID()
	}
	span.SetAttributes(tracer.StringAttr("request_id", requestID))

	if chatID == "" {
		chat, err := s.CreateChat(ctx, firstLine(content), opts.Module)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		chatID = chat.ID
	}

	if err := s.gate.TryAcquire(requestID, chatID, content); err != nil {
		return nil, err
	}
	// The gate guards the remote call, not the whole run: run exclusivity
	// is enforced by the store. Released exactly once, when the send call
	// has settled either way.
	defer s.gate.Release(requestID)

	now := time.Now()
	user := domain.Message{
		ID:              NewMessageID(now),
		ChatID:          chatID,
		Role:            domain.RoleUser,
		Content:         content,
		Status:          domain.MessageCompleted,
		CreatedAt:       now,
		ClientMessageID: opts.ClientMessageID,
		Attachments:     opts.Attachments,
		DocumentIDs:     opts.DocumentIDs,
		Module:          opts.Module,
	}
	assistant := domain.Message{
		ID:        NewMessageID(now.Add(time.Millisecond)),
		ChatID:    chatID,
		Role:      domain.RoleAssistant,
		Status:    domain.MessageStreaming,
		CreatedAt: now.Add(time.Millisecond),
	}
	if err := s.store.AddMessagePair(user, assistant); err != nil {
		return nil, domain.WrapOp("Service.Send", err)
	}

	run, err := s.runs.Begin(ctx, chatID, requestID, assistant.ID)
	if err != nil {
		s.store.DeleteMessage(assistant.ID)
		return nil, domain.WrapOp("Service.Send", err)
	}

	result, err := s.client.SendMessage(run.Handle.Context(), chatID, domain.SendRequest{
		Content:         content,
		RequestID:       requestID,
		ClientMessageID: opts.ClientMessageID,
		Attachments:     opts.Attachments,
		DocumentIDs:     opts.DocumentIDs,
		Module:          opts.Module,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, s.settleSendFailure(ctx, run, err)
	}

	receipt := &SendReceipt{
		ChatID:             chatID,
		RequestID:          requestID,
		RunID:              run.RunID,
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
	}

	switch {
	case result.Message != nil:
		s.startInline(run, result)
	case result.Job != nil:
		runID, err := s.startJob(ctx, run, result.Job)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		receipt.RunID = runID
	default:
		// Response carried neither text nor a job handle. Same treatment
		// as an empty response.
		s.finishWithFallback(ctx, run, fallbackEmptyResponse)
	}

	tracer.SetOK(span)
	return receipt, nil
}

// startInline animates a synchronously returned message. Citations land on
// the message before the reveal starts so they are present however early
// the stream is cancelled.
func (s *Service) startInline(run domain.Run, result *domain.SendResult) {
	text := result.Message.Content
	if _, err := s.store.UpdateMessage(run.AssistantMessageID, MessagePatch{
		Sources:       result.Sources,
		UsedDocuments: result.UsedDocuments,
	}); err != nil {
		s.logger.Debug("citation attach skipped", "message", run.AssistantMessageID, "error", err)
	}
	if text == "" {
		s.finishWithFallback(context.Background(), run, fallbackEmptyResponse)
		return
	}
	go func() {
		s.anim.Reveal(run.Handle.Context(), run.RunID, text)
		s.persistChat(run.ChatID)
	}()
}

// startJob rebinds the placeholder run to the backend job id, records the
// pendingRun marker, and hands the run to the reconciler. Returns the bound
// run id.
func (s *Service) startJob(ctx context.Context, run domain.Run, job *domain.JobHandle) (string, error) {
	runID := run.RunID
	if job.RunID != "" && job.RunID != run.RunID {
		if _, err := s.runs.Rebind(run.RunID, job.RunID); err != nil {
			return "", domain.WrapOp("Service.Send", err)
		}
		s.recon.Rebind(run.RunID, job.RunID)
		runID = job.RunID
	}
	if err := s.cache.SetPendingRun(run.ChatID, PendingRun{
		RunID:     runID,
		MessageID: run.AssistantMessageID,
	}); err != nil {
		s.logger.Warn("pending run marker write failed", "chat", run.ChatID, "error", err)
	}
	s.recon.Start(context.Background(), runID)
	return runID, nil
}

// settleSendFailure resolves the placeholder state after a failed remote
// send. Benign failures cancel quietly; everything else finalizes the
// assistant message with a fallback line and reports the classified error.
func (s *Service) settleSendFailure(ctx context.Context, run domain.Run, err error) error {
	classified := s.classifier.Classify(err)
	switch classified.Category {
	case SendErrorBenign:
		s.cancelPlaceholder(ctx, run)
		return domain.NewDomainError("Service.Send", domain.ErrDuplicate, err.Error())
	default:
		s.finishWithFallback(ctx, run, fallbackSendFailed)
		s.logger.Warn("send failed", "chat", run.ChatID, "run", run.RunID, "error", err)
		return domain.WrapOp("Service.Send", err)
	}
}

// cancelPlaceholder removes the empty assistant placeholder and the run
// after a benign abort, leaving the user message in place.
func (s *Service) cancelPlaceholder(ctx context.Context, run domain.Run) {
	status := domain.MessageCancelled
	if _, err := s.store.UpdateMessage(run.AssistantMessageID, MessagePatch{Status: &status}); err != nil {
		s.logger.Debug("placeholder cancel skipped", "message", run.AssistantMessageID, "error", err)
	}
	s.runs.CancelRun(ctx, run.RunID)
	s.persistChat(run.ChatID)
}

// finishWithFallback completes the assistant message with a fallback line,
// finishes the run as failed when the line is the failure text and as
// completed otherwise, and persists the chat.
func (s *Service) finishWithFallback(ctx context.Context, run domain.Run, line string) {
	content := line
	status := domain.MessageCompleted
	if _, err := s.store.UpdateMessage(run.AssistantMessageID, MessagePatch{Content: &content, Status: &status}); err != nil {
		s.logger.Debug("fallback write skipped", "message", run.AssistantMessageID, "error", err)
	}
	if line == fallbackSendFailed {
		s.runs.Fail(ctx, run.RunID)
	} else {
		s.runs.Complete(ctx, run.RunID)
	}
	s.persistChat(run.ChatID)
}

// CancelActiveRun stops the chat's running generation. Local state settles
// first; the remote cancellation is fire-and-forget and its outcome never
// reaches the user.
func (s *Service) CancelActiveRun(ctx context.Context, chatID string) error {
	run, ok := s.store.RunningRunForChat(chatID)
	if !ok {
		return domain.NewDomainError("Service.CancelActiveRun", domain.ErrRunNotFound, chatID)
	}

	if run.Handle != nil {
		run.Handle.Abort()
	}

	runID := run.RunID
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.CancelJob(cctx, runID); err != nil {
			s.logger.Debug("remote cancel failed", "run", runID, "error", err)
		}
	}()

	if s.recon.Tracked(runID) {
		// Job-backed run: route the cancellation through the same merge
		// path a poll tick would use.
		s.recon.Apply(ctx, runID, &domain.JobState{Status: domain.JobCancelled})
	}
	// Inline runs settle through the animator's next re-validation.
	return nil
}

// OpenChat loads a chat for display: cached messages first for instant
// paint, then backend history merged over them, then re-attachment to any
// backend job that was still in flight when the process last exited.
func (s *Service) OpenChat(ctx context.Context, chatID string) ([]DisplayMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "service.OpenChat")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("chat_id", chatID))

	if _, ok := s.store.Chat(chatID); !ok {
		if err := s.store.AddChat(domain.Chat{ID: chatID, CreatedAt: time.Now()}); err != nil {
			return nil, domain.WrapOp("Service.OpenChat", err)
		}
	}

	cached, err := s.cache.LoadChat(chatID)
	if err != nil {
		s.logger.Warn("cache read failed", "chat", chatID, "error", err)
	}
	for _, m := range cached {
		s.seedMessage(m)
	}

	if err := s.mergeHistory(ctx, chatID); err != nil {
		// Offline opens still work from cache; history errors are logged,
		// not surfaced, unless nothing at all is available.
		s.logger.Warn("history fetch failed", "chat", chatID, "error", err)
		if len(cached) == 0 {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("Service.OpenChat", err)
		}
	}

	s.reattachPendingRun(ctx, chatID)

	tracer.SetOK(span)
	return NewProjector(s.store).Project(chatID), nil
}

func (s *Service) seedMessage(m domain.Message) {
	if _, ok := s.store.Message(m.ID); ok {
		return
	}
	if !m.Terminal() {
		// A streaming message in the cache would violate the persistence
		// contract; treat it as cancelled partial output.
		m.Status = domain.MessageCancelled
		m.IsPartial = m.Content != ""
	}
	if err := s.store.AddMessage(m); err != nil {
		s.logger.Debug("cached message skipped", "message", m.ID, "error", err)
	}
}

func (s *Service) mergeHistory(ctx context.Context, chatID string) error {
	cursor := ""
	for {
		page, err := s.client.ListMessages(ctx, chatID, cursor, s.historyPageSize)
		if err != nil {
			return err
		}
		for _, h := range page.Messages {
			if _, ok := s.store.Message(h.ID); ok {
				continue
			}
			msg := domain.Message{
				ID:            h.ID,
				ChatID:        chatID,
				Role:          h.Role,
				Content:       h.Content,
				Status:        domain.MessageCompleted,
				CreatedAt:     h.CreatedAt,
				Sources:       h.Sources,
				UsedDocuments: h.UsedDocuments,
				Module:        h.Module,
			}
			if err := s.store.AddMessage(msg); err != nil {
				s.logger.Debug("history message skipped", "message", h.ID, "error", err)
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// reattachPendingRun resumes tracking of a backend job recorded before a
// restart. The job may have finished meanwhile; the reconciler's first poll
// settles it either way.
func (s *Service) reattachPendingRun(ctx context.Context, chatID string) {
	p, ok, err := s.cache.PendingRun(chatID)
	if err != nil || !ok {
		return
	}
	if _, running := s.store.RunningRunForChat(chatID); running {
		return
	}

	messageID := p.MessageID
	if msg, ok := s.store.Message(messageID); !ok || msg.Terminal() {
		if ok && msg.Terminal() {
			// The history merge already brought the final message; the
			// marker is stale.
			s.cache.ClearPendingRun(chatID)
			return
		}
		placeholder := domain.Message{
			ID:        messageID,
			ChatID:    chatID,
			Role:      domain.RoleAssistant,
			Status:    domain.MessageStreaming,
			CreatedAt: time.Now(),
		}
		if err := s.store.AddMessage(placeholder); err != nil {
			s.logger.Debug("reattach placeholder skipped", "chat", chatID, "error", err)
			return
		}
	}

	if _, err := s.runs.Attach(ctx, chatID, p.RunID, messageID); err != nil {
		s.logger.Warn("pending run reattach failed", "chat", chatID, "run", p.RunID, "error", err)
		return
	}
	s.recon.Start(context.Background(), p.RunID)
	s.logger.Info("reattached pending run", "chat", chatID, "run", p.RunID)
}

// DeleteChat removes the chat locally: active run cancelled, messages and
// cache entries dropped, deletion event published.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	chat, ok := s.store.Chat(chatID)
	if !ok {
		return domain.NewDomainError("Service.DeleteChat", domain.ErrChatNotFound, chatID)
	}

	if run, running := s.store.RunningRunForChat(chatID); running {
		if run.Handle != nil {
			run.Handle.Abort()
		}
		s.recon.Stop(run.RunID)
		s.runs.CancelRun(ctx, run.RunID)
	}

	if err := s.store.DeleteChat(chatID); err != nil {
		return domain.WrapOp("Service.DeleteChat", err)
	}
	s.runs.Finalize(chatID, true)
	s.cache.DeleteChat(chatID)

	if s.bus != nil {
		s.bus.Publish(ctx, newEvent(domain.EventChatDeleted, chatID, domain.ChatEventPayload{
			ChatID: chatID,
			Title:  chat.Title,
		}))
	}
	return nil
}

// Chats lists known chats, most recently updated first.
func (s *Service) Chats() []domain.Chat {
	return s.store.Chats()
}

// IsGenerating reports whether the chat has a running generation.
func (s *Service) IsGenerating(chatID string) bool {
	return s.runs.IsGenerating(chatID)
}

func (s *Service) persistChat(chatID string) {
	if err := s.cache.SaveChat(chatID, s.store.MessagesForChat(chatID)); err != nil {
		s.logger.Warn("chat persist failed", "chat", chatID, "error", err)
	}
}

// firstLine derives a provisional chat title from the first message.
func firstLine(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	const maxTitle = 60
	if len(line) > maxTitle {
		line = line[:maxTitle]
	}
	return strings.TrimSpace(line)
}
