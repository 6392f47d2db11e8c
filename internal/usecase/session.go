package usecase

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

// errorAnswer is appended as a regular assistant message when a turn
// fails in transport; streaming errors surface the same way.
const errorAnswer = "Sorry, an error occurred while processing your request."

const defaultHistoryLimit = 20

// Observer receives every classified stream event of a turn, in order,
// before the session folds it. Used by front ends to relay or render the
// live stream. Must not block for long; it runs on the decode goroutine.
type Observer func(domain.StreamEvent)

// TurnRecorder persists completed turns. Implementations must tolerate
// concurrent calls; failures are logged by the session and never affect
// message state.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, appID, conversationID, messageID, query, answer string) error
}

// ChatSession is the conversation reducer: the sole mutator of one
// conversation's message list. Public methods are mutex-guarded; event
// folds happen sequentially on the decode loop inside SendMessage, so
// no two streams ever append to the same open assistant message.
type ChatSession struct {
	backend domain.Backend
	logger  *slog.Logger
	appID   string
	user    string

	recorder              TurnRecorder
	onConversationAdopted func(conversationID string)

	mu             sync.Mutex
	conversationID string
	messages       []domain.DisplayMessage
	pendingFiles   []domain.UploadedFile
	suggested      []string
	generating     bool
	activeTaskID   string
	hasMore        bool
	loadingMore    bool
	openAssistant  bool
	entropy        *rand.Rand
}

// SessionOption configures a ChatSession.
type SessionOption func(*ChatSession)

// WithConversation pins the session to an existing conversation.
func WithConversation(id string) SessionOption {
	return func(s *ChatSession) { s.conversationID = id }
}

// WithRecorder sets the transcript recorder.
func WithRecorder(r TurnRecorder) SessionOption {
	return func(s *ChatSession) { s.recorder = r }
}

// WithConversationAdopted registers a callback fired once when a new
// conversation id is first observed on a stream.
func WithConversationAdopted(fn func(string)) SessionOption {
	return func(s *ChatSession) { s.onConversationAdopted = fn }
}

// NewChatSession creates a session for one app/user pair.
func NewChatSession(backend domain.Backend, appID, user string, logger *slog.Logger, opts ...SessionOption) *ChatSession {
	s := &ChatSession{
		backend: backend,
		logger:  logger.With("app", appID, "user", user),
		appID:   appID,
		user:    user,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizePrompt collapses newline-tab runs to spaces and trims the result.
func normalizePrompt(prompt string) string {
	return strings.TrimSpace(strings.ReplaceAll(prompt, "\n\t", " "))
}

// SendMessage runs one full send cycle: it appends the user message,
// opens the stream and folds every event in receipt order until the
// stream ends. A blank prompt after normalization, or a cycle already in
// flight, is a silent no-op. Transport failures surface as a synthesized
// assistant message, not an error return. The observer, when non-nil,
// sees each event before it is folded.
func (s *ChatSession) SendMessage(ctx context.Context, prompt string, observer Observer) error {
	ctx, span := tracer.StartSpan(ctx, "session.send")
	defer span.End()

	prompt = normalizePrompt(prompt)
	if prompt == "" {
		return nil
	}

	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return nil
	}
	s.generating = true
	s.activeTaskID = ""
	s.openAssistant = false
	s.suggested = nil
	conversationID := s.conversationID

	// Snapshot and clear pending uploads atomically with the send.
	files := s.pendingFiles
	s.pendingFiles = nil
	s.mu.Unlock()

	attached := make([]domain.AttachedFile, 0, len(files))
	userFiles := make([]domain.MessageFile, 0, len(files))
	for _, f := range files {
		attached = append(attached, domain.AttachedFile{
			Type:           fileType(f.Extension),
			TransferMethod: "local_file",
			UploadFileID:   f.ID,
		})
		userFiles = append(userFiles, domain.MessageFile{
			ID:        f.ID,
			Type:      fileType(f.Extension),
			URL:       f.URL,
			BelongsTo: domain.RoleUser,
		})
	}

	s.mu.Lock()
	s.messages = append(s.messages, domain.DisplayMessage{
		ID:        s.newIDLocked(),
		Role:      domain.RoleUser,
		Content:   prompt,
		CreatedAt: time.Now(),
		Files:     userFiles,
	})
	s.mu.Unlock()

	ch, err := s.backend.ChatMessages(ctx, domain.ChatRequest{
		Query:          prompt,
		ConversationID: conversationID,
		User:           s.user,
		Files:          attached,
	})
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Error("chat send failed", "error", err)
		s.appendErrorMessage()
		return nil
	}

	for ev := range ch {
		if observer != nil {
			observer(ev)
		}
		s.fold(ctx, ev)
	}

	// The stream ended, with or without a terminal event. Clearing here
	// guarantees the session can never be stuck generating after a
	// truncated stream.
	s.mu.Lock()
	s.generating = false
	s.activeTaskID = ""
	s.openAssistant = false
	s.mu.Unlock()

	tracer.SetOK(span)
	return nil
}

// newIDLocked requires s.mu held.
func (s *ChatSession) newIDLocked() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *ChatSession) appendErrorMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, domain.DisplayMessage{
		ID:        s.newIDLocked(),
		Role:      domain.RoleAssistant,
		Content:   errorAnswer,
		CreatedAt: time.Now(),
	})
	s.generating = false
	s.activeTaskID = ""
	s.openAssistant = false
}

// fold applies one stream event to session state. Called only from the
// decode loop, one event at a time.
func (s *ChatSession) fold(ctx context.Context, ev domain.StreamEvent) {
	switch e := ev.(type) {
	case *domain.MessageEvent:
		s.foldMessage(e)
	case *domain.MessageEndEvent:
		s.foldMessageEnd(ctx, e)
	case *domain.MessageReplaceEvent:
		s.foldReplace(e)
	case *domain.MessageFileEvent:
		s.foldFile(e)
	case *domain.WorkflowFinishedEvent:
		s.foldWorkflowFinished(e)
	case *domain.ErrorEvent:
		s.foldError(e)
	default:
		// workflow_started, node events, tts, ping, unknown: no state change.
	}
}

// adoptIDsLocked applies first-write-wins adoption of conversation and
// task ids from an event envelope. Requires s.mu held; returns a callback
// to run unlocked, or nil.
func (s *ChatSession) adoptIDsLocked(meta domain.EventMeta) func() {
	var adopted func()
	if s.conversationID == "" && meta.ConversationID != "" {
		s.conversationID = meta.ConversationID
		if s.onConversationAdopted != nil {
			id := meta.ConversationID
			fn := s.onConversationAdopted
			adopted = func() { fn(id) }
		}
	} else if meta.ConversationID != "" && meta.ConversationID != s.conversationID {
		s.logger.Debug("ignoring conflicting conversation_id", "got", meta.ConversationID, "have", s.conversationID)
	}

	if s.activeTaskID == "" && meta.TaskID != "" && s.generating {
		s.activeTaskID = meta.TaskID
	}
	return adopted
}

func (s *ChatSession) foldMessage(e *domain.MessageEvent) {
	if !e.FromAnswerSource() {
		return
	}

	s.mu.Lock()
	adopted := s.adoptIDsLocked(e.EventMeta)

	if s.openAssistant && len(s.messages) > 0 {
		last := &s.messages[len(s.messages)-1]
		last.Content += e.Answer
	} else {
		id := s.newIDLocked()
		if e.MessageID != "" {
			id = e.MessageID + "-" + domain.RoleAssistant
		}
		s.messages = append(s.messages, domain.DisplayMessage{
			ID:        id,
			Role:      domain.RoleAssistant,
			Content:   e.Answer,
			CreatedAt: time.Now(),
		})
		s.openAssistant = true
	}
	s.mu.Unlock()

	if adopted != nil {
		adopted()
	}
}

func (s *ChatSession) foldMessageEnd(ctx context.Context, e *domain.MessageEndEvent) {
	s.mu.Lock()
	adopted := s.adoptIDsLocked(e.EventMeta)

	var query, answer string
	if s.openAssistant && len(s.messages) > 0 {
		last := &s.messages[len(s.messages)-1]
		if e.MessageID != "" {
			last.ID = e.MessageID + "-" + domain.RoleAssistant
		}
		if len(e.Metadata.RetrieverResources) > 0 {
			last.RetrieverResources = e.Metadata.RetrieverResources
		}
		answer = last.Content
		if len(s.messages) > 1 {
			query = s.messages[len(s.messages)-2].Content
		}
	}
	// Closed: a stray message event after this opens a new message
	// instead of corrupting the finished one.
	s.openAssistant = false
	conversationID := s.conversationID
	messageID := e.MessageID
	s.mu.Unlock()

	if adopted != nil {
		adopted()
	}

	if s.recorder != nil && answer != "" {
		if err := s.recorder.RecordTurn(ctx, s.appID, conversationID, messageID, query, answer); err != nil {
			s.logger.Warn("transcript record failed", "error", err)
		}
	}

	// Suggestions are a side effect: async, never blocks finalization,
	// failure never touches message state.
	if messageID != "" {
		go s.fetchSuggested(messageID)
	}
}

func (s *ChatSession) fetchSuggested(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qs, err := s.backend.SuggestedQuestions(ctx, messageID, s.user)
	if err != nil {
		s.logger.Debug("suggested questions fetch failed", "error", err)
		return
	}
	s.mu.Lock()
	s.suggested = qs
	s.mu.Unlock()
}

func (s *ChatSession) foldReplace(e *domain.MessageReplaceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == domain.RoleAssistant {
			s.messages[i].Content = e.Answer
			return
		}
	}
}

func (s *ChatSession) foldFile(e *domain.MessageFileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return
	}
	file := domain.MessageFile{ID: e.ID, Type: e.Type, URL: e.URL, BelongsTo: e.BelongsTo}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == domain.RoleAssistant {
			s.messages[i].Files = append(s.messages[i].Files, file)
			return
		}
	}
}

func (s *ChatSession) foldWorkflowFinished(e *domain.WorkflowFinishedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Authoritative end of turn, for every terminal status.
	s.generating = false
	s.activeTaskID = ""
	if e.Data.Status == domain.WorkflowStatusFailed && e.Data.Error != "" {
		s.logger.Warn("workflow failed", "error", e.Data.Error)
	}
}

func (s *ChatSession) foldError(e *domain.ErrorEvent) {
	s.logger.Error("stream error event", "code", e.Code, "message", e.Message)
	s.appendErrorMessage()
}

// StopGeneration asks the backend to stop the active task. With no
// active task it is a silent no-op, so concurrent or repeated calls
// issue the network request at most once.
func (s *ChatSession) StopGeneration(ctx context.Context) error {
	s.mu.Lock()
	taskID := s.activeTaskID
	s.activeTaskID = ""
	s.mu.Unlock()

	if taskID == "" {
		return nil
	}
	// The read loop is left running: trailing events fold through the
	// same idempotent path until the backend closes the stream.
	return s.backend.StopGeneration(ctx, taskID, s.user)
}

// RegenerateMessage re-sends the user prompt that preceded the given
// message. Turns whose user message carried files cannot be regenerated.
func (s *ChatSession) RegenerateMessage(ctx context.Context, messageID string, observer Observer) error {
	s.mu.Lock()
	idx := -1
	for i, m := range s.messages {
		if m.ID == messageID || m.BackendID() == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return domain.ErrMessageNotFound
	}

	var prompt string
	for i := idx; i >= 0; i-- {
		if s.messages[i].Role == domain.RoleUser {
			if len(s.messages[i].Files) > 0 {
				s.mu.Unlock()
				return domain.ErrRegenerateWithFiles
			}
			prompt = s.messages[i].Content
			break
		}
	}
	s.mu.Unlock()

	if prompt == "" {
		return domain.ErrMessageNotFound
	}
	return s.SendMessage(ctx, prompt, observer)
}

// LoadMessages replaces session state with the newest history page of
// the given conversation. Rejected while a generation is folding: the
// stream would append into the swapped-in history.
func (s *ChatSession) LoadMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return domain.ErrGenerationInFlight
	}
	s.mu.Unlock()

	page, err := s.backend.Messages(ctx, domain.MessagesQuery{
		ConversationID: conversationID,
		User:           s.user,
		Limit:          defaultHistoryLimit,
	})
	if err != nil {
		return domain.WrapOp("session.LoadMessages", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generating {
		return domain.ErrGenerationInFlight
	}
	s.conversationID = conversationID
	s.messages = FormatHistory(page.Data)
	s.hasMore = page.HasMore
	return nil
}

// LoadMoreMessages prepends the page older than the earliest held
// message. No-op while a load is in flight, when no further pages
// exist, or when nothing is loaded yet.
func (s *ChatSession) LoadMoreMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingMore || !s.hasMore || len(s.messages) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.loadingMore = true
	firstID := s.messages[0].BackendID()
	conversationID := s.conversationID
	s.mu.Unlock()

	page, err := s.backend.Messages(ctx, domain.MessagesQuery{
		ConversationID: conversationID,
		User:           s.user,
		FirstID:        firstID,
		Limit:          defaultHistoryLimit,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingMore = false
	if err != nil {
		return domain.WrapOp("session.LoadMoreMessages", err)
	}
	s.messages = MergeOlder(FormatHistory(page.Data), s.messages)
	s.hasMore = page.HasMore
	return nil
}

// Upload sends a file to the backend and holds it pending until the
// next SendMessage binds it.
func (s *ChatSession) Upload(ctx context.Context, filename string, content io.Reader) (*domain.UploadedFile, error) {
	file, err := s.backend.UploadFile(ctx, s.user, filename, content)
	if err != nil {
		return nil, domain.WrapOp("session.Upload", err)
	}
	s.mu.Lock()
	s.pendingFiles = append(s.pendingFiles, *file)
	s.mu.Unlock()
	return file, nil
}

// SubmitFeedback records a rating for a message. Message state is left
// unchanged on failure; optimistic UI rollback is the caller's concern.
func (s *ChatSession) SubmitFeedback(ctx context.Context, messageID, rating, content string) error {
	return s.backend.SubmitFeedback(ctx, messageID, s.user, rating, content)
}

// Reset clears all conversation state, e.g. after the active
// conversation was deleted. No-op while a generation is folding.
func (s *ChatSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generating {
		return
	}
	s.conversationID = ""
	s.messages = nil
	s.pendingFiles = nil
	s.suggested = nil
	s.generating = false
	s.activeTaskID = ""
	s.hasMore = false
	s.loadingMore = false
	s.openAssistant = false
}

// Messages returns a copy of the current message list.
func (s *ChatSession) Messages() []domain.DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DisplayMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Suggested returns the latest suggested follow-up questions.
func (s *ChatSession) Suggested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.suggested...)
}

// PendingFiles returns a copy of the uploads awaiting the next send.
func (s *ChatSession) PendingFiles() []domain.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.UploadedFile(nil), s.pendingFiles...)
}

// ConversationID returns the current conversation id, empty for a fresh
// conversation that has not received its id yet.
func (s *ChatSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// IsGenerating reports whether a send cycle is in flight.
func (s *ChatSession) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// HasMore reports whether older history pages exist.
func (s *ChatSession) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// fileType maps a file extension to the backend's coarse type taxonomy.
func fileType(extension string) string {
	switch strings.ToLower(strings.TrimPrefix(extension, ".")) {
	case "jpg", "jpeg", "png", "gif", "webp", "svg":
		return "image"
	case "mp3", "wav", "m4a", "ogg":
		return "audio"
	case "mp4", "mov", "webm", "avi":
		return "video"
	case "txt", "md", "pdf", "html", "csv", "docx", "xlsx", "pptx":
		return "document"
	default:
		return "custom"
	}
}
