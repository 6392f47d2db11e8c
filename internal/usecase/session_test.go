package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

type scriptedBackend struct {
	mu        sync.Mutex
	streams   []chan domain.StreamEvent
	chatCalls int
	chatErr   error
	stopCalls int
	stopErr   error
	firstPage *domain.MessagesPage
	morePage  *domain.MessagesPage
	suggested []string
}

func (b *scriptedBackend) ChatMessages(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatCalls++
	if b.chatErr != nil {
		return nil, b.chatErr
	}
	ch := make(chan domain.StreamEvent, 64)
	b.streams = append(b.streams, ch)
	return ch, nil
}

func (b *scriptedBackend) StopGeneration(ctx context.Context, taskID, user string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopCalls++
	return b.stopErr
}

func (b *scriptedBackend) Messages(ctx context.Context, q domain.MessagesQuery) (*domain.MessagesPage, error) {
	if q.FirstID == "" {
		return b.firstPage, nil
	}
	return b.morePage, nil
}

func (b *scriptedBackend) SuggestedQuestions(ctx context.Context, messageID, user string) ([]string, error) {
	return b.suggested, nil
}

func (b *scriptedBackend) SubmitFeedback(ctx context.Context, messageID, user, rating, content string) error {
	return nil
}

func (b *scriptedBackend) Conversations(ctx context.Context, user, lastID string, limit int) (*domain.ConversationsPage, error) {
	return &domain.ConversationsPage{}, nil
}

func (b *scriptedBackend) DeleteConversation(ctx context.Context, conversationID, user string) error {
	return nil
}

func (b *scriptedBackend) RenameConversation(ctx context.Context, conversationID, name string, autoGenerate bool, user string) (*domain.Conversation, error) {
	return &domain.Conversation{ID: conversationID, Name: name}, nil
}

func (b *scriptedBackend) UploadFile(ctx context.Context, user, filename string, content io.Reader) (*domain.UploadedFile, error) {
	return &domain.UploadedFile{ID: "f1", Name: filename}, nil
}

func (b *scriptedBackend) AppInfo(ctx context.Context) (json.RawMessage, error)       { return nil, nil }
func (b *scriptedBackend) AppParameters(ctx context.Context) (json.RawMessage, error) { return nil, nil }
func (b *scriptedBackend) AppMeta(ctx context.Context) (json.RawMessage, error)       { return nil, nil }

func (b *scriptedBackend) stream(t *testing.T, i int) chan domain.StreamEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		if len(b.streams) > i {
			ch := b.streams[i]
			b.mu.Unlock()
			return ch
		}
		b.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("stream never opened")
		}
		time.Sleep(time.Millisecond)
	}
}

func mustEvent(t *testing.T, raw string) domain.StreamEvent {
	t.Helper()
	ev, err := domain.Classify([]byte(raw))
	if err != nil {
		t.Fatalf("classify %s: %v", raw, err)
	}
	return ev
}

func newTestSession(b domain.Backend, opts ...SessionOption) *ChatSession {
	return NewChatSession(b, "app1", "u1", slog.New(slog.DiscardHandler), opts...)
}

// runSend starts SendMessage on its own goroutine and returns a done channel.
func runSend(s *ChatSession, prompt string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SendMessage(context.Background(), prompt, nil)
	}()
	return done
}

func TestSendMessageFoldsStream(t *testing.T) {
	b := &scriptedBackend{suggested: []string{"and then?"}}
	s := newTestSession(b)

	done := runSend(s, "hello there")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","conversation_id":"c1","message_id":"m1","answer":"Hel","from_variable_selector":["llm","text"]}`)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","conversation_id":"c1","message_id":"m1","answer":"lo!","from_variable_selector":["llm","text"]}`)
	ch <- mustEvent(t, `{"event":"message_end","task_id":"t1","conversation_id":"c1","message_id":"m1","metadata":{"retriever_resources":[{"position":1,"document_id":"d1"}]}}`)
	ch <- mustEvent(t, `{"event":"workflow_finished","task_id":"t1","data":{"status":"succeeded"}}`)
	close(ch)
	<-done

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "hello there" {
		t.Errorf("user msg = %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Hello!" {
		t.Errorf("assistant msg = %+v", msgs[1])
	}
	if msgs[1].ID != "m1-assistant" {
		t.Errorf("assistant id = %q", msgs[1].ID)
	}
	if len(msgs[1].RetrieverResources) != 1 {
		t.Errorf("resources = %+v", msgs[1].RetrieverResources)
	}
	if s.ConversationID() != "c1" {
		t.Errorf("conversation id = %q", s.ConversationID())
	}
	if s.IsGenerating() {
		t.Error("still generating after stream end")
	}

	// Suggested questions arrive asynchronously after message_end.
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Suggested()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if qs := s.Suggested(); len(qs) != 1 || qs[0] != "and then?" {
		t.Errorf("suggested = %v", qs)
	}
}

func TestSendMessageFiltersNonAnswerSources(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"keep","from_variable_selector":["llm","text"]}`)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"DROP","from_variable_selector":["llm","reasoning_content"]}`)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":" this","from_variable_selector":["llm","text"]}`)
	close(ch)
	<-done

	msgs := s.Messages()
	if msgs[len(msgs)-1].Content != "keep this" {
		t.Errorf("content = %q", msgs[len(msgs)-1].Content)
	}
}

func TestSelectorlessChunksDiscarded(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"Hel"}`)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"lo!"}`)
	ch <- mustEvent(t, `{"event":"workflow_finished","task_id":"t1","data":{"status":"succeeded"}}`)
	close(ch)
	<-done

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want only the user message", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser {
		t.Errorf("role = %q", msgs[0].Role)
	}
}

func TestSendMessageBlankPromptNoOp(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	if err := s.SendMessage(context.Background(), "  \n\t ", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if b.chatCalls != 0 {
		t.Errorf("chat calls = %d, want 0", b.chatCalls)
	}
	if len(s.Messages()) != 0 {
		t.Error("message appended for blank prompt")
	}
}

func TestSendMessageNormalizesPrompt(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "  line\n\tindented  ")
	ch := b.stream(t, 0)
	close(ch)
	<-done

	msgs := s.Messages()
	if msgs[0].Content != "line indented" {
		t.Errorf("content = %q", msgs[0].Content)
	}
}

func TestSendMessageWhileGeneratingNoOp(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "first")
	ch := b.stream(t, 0)

	// Second send while the first stream is open must not reach the backend.
	if err := s.SendMessage(context.Background(), "second", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if b.chatCalls != 1 {
		t.Errorf("chat calls = %d, want 1", b.chatCalls)
	}

	close(ch)
	<-done
}

func TestSendMessageTransportError(t *testing.T) {
	b := &scriptedBackend{chatErr: errors.New("connection refused")}
	s := newTestSession(b)

	if err := s.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatalf("transport failure must not return an error, got %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + error message", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != errorAnswer {
		t.Errorf("error msg = %+v", msgs[1])
	}
	if s.IsGenerating() {
		t.Error("generating flag stuck after transport error")
	}
}

func TestTruncatedStreamClearsGenerating(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"par","from_variable_selector":["llm","text"]}`)
	close(ch) // no message_end, no workflow_finished
	<-done

	if s.IsGenerating() {
		t.Error("generating flag stuck after truncated stream")
	}
	msgs := s.Messages()
	if msgs[len(msgs)-1].Content != "par" {
		t.Errorf("partial content lost: %q", msgs[len(msgs)-1].Content)
	}
}

func TestStrayMessageAfterEndOpensNewMessage(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","message_id":"m1","answer":"closed","from_variable_selector":["llm","text"]}`)
	ch <- mustEvent(t, `{"event":"message_end","task_id":"t1","message_id":"m1"}`)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","message_id":"m2","answer":"stray","from_variable_selector":["llm","text"]}`)
	close(ch)
	<-done

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Content != "closed" {
		t.Errorf("closed message corrupted: %q", msgs[1].Content)
	}
	if msgs[2].Content != "stray" {
		t.Errorf("stray chunk content = %q", msgs[2].Content)
	}
}

func TestFirstWriteWinsConversationID(t *testing.T) {
	b := &scriptedBackend{}
	var adopted []string
	s := newTestSession(b, WithConversationAdopted(func(id string) { adopted = append(adopted, id) }))

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","conversation_id":"c1","answer":"a","from_variable_selector":["llm","text"]}`)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","conversation_id":"c2","answer":"b","from_variable_selector":["llm","text"]}`)
	close(ch)
	<-done

	if s.ConversationID() != "c1" {
		t.Errorf("conversation id = %q, want first-seen c1", s.ConversationID())
	}
	if len(adopted) != 1 || adopted[0] != "c1" {
		t.Errorf("adopted = %v", adopted)
	}
}

func TestStopGenerationIdempotent(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"a","from_variable_selector":["llm","text"]}`)

	// Wait until the fold has consumed the event and adopted the task id.
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(s.Messages()) < 2 {
		t.Fatal("fold never consumed the message event")
	}

	if err := s.StopGeneration(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.StopGeneration(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	b.mu.Lock()
	stops := b.stopCalls
	b.mu.Unlock()
	if stops != 1 {
		t.Errorf("stop network calls = %d, want 1", stops)
	}

	close(ch)
	<-done
}

func TestStopGenerationNoActiveTask(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)
	if err := s.StopGeneration(context.Background()); err != nil {
		t.Fatalf("stop with no task: %v", err)
	}
	if b.stopCalls != 0 {
		t.Errorf("stop calls = %d, want 0", b.stopCalls)
	}
}

func TestRegenerateWithFilesRejected(t *testing.T) {
	b := &scriptedBackend{
		firstPage: &domain.MessagesPage{
			Data: []domain.HistoryMessage{{
				ID: "m1", Query: "look at this", Answer: "nice file", Status: "normal", CreatedAt: 100,
				MessageFiles: []domain.MessageFile{{ID: "f1", BelongsTo: "user"}},
			}},
		},
	}
	s := newTestSession(b)
	if err := s.LoadMessages(context.Background(), "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	err := s.RegenerateMessage(context.Background(), "m1-assistant", nil)
	if !errors.Is(err, domain.ErrRegenerateWithFiles) {
		t.Fatalf("err = %v, want ErrRegenerateWithFiles", err)
	}
	if b.chatCalls != 0 {
		t.Errorf("chat calls = %d, want 0 (no network on rejection)", b.chatCalls)
	}
}

func TestRegenerateResendsPrecedingUserPrompt(t *testing.T) {
	b := &scriptedBackend{
		firstPage: &domain.MessagesPage{
			Data: []domain.HistoryMessage{
				{ID: "m1", Query: "original question", Answer: "old answer", Status: "normal", CreatedAt: 100},
			},
		},
	}
	s := newTestSession(b)
	if err := s.LoadMessages(context.Background(), "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RegenerateMessage(context.Background(), "m1-assistant", nil) }()
	ch := b.stream(t, 0)
	close(ch)
	if err := <-done; err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	msgs := s.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleUser || last.Content != "original question" {
		t.Errorf("resent message = %+v", last)
	}
}

func TestLoadMoreMessages(t *testing.T) {
	b := &scriptedBackend{
		firstPage: &domain.MessagesPage{
			Data: []domain.HistoryMessage{
				{ID: "m2", Query: "second", Answer: "b", Status: "normal", CreatedAt: 200},
			},
			HasMore: true,
		},
		morePage: &domain.MessagesPage{
			Data: []domain.HistoryMessage{
				{ID: "m1", Query: "first", Answer: "a", Status: "normal", CreatedAt: 100},
				{ID: "m2", Query: "second", Answer: "b", Status: "normal", CreatedAt: 200},
			},
			HasMore: false,
		},
	}
	s := newTestSession(b)
	if err := s.LoadMessages(context.Background(), "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.LoadMoreMessages(context.Background()); err != nil {
		t.Fatalf("load more: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (no duplicates)", len(msgs))
	}
	if msgs[0].ID != "m1-user" {
		t.Errorf("first = %s, want m1-user prepended", msgs[0].ID)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("not sorted at %d", i)
		}
	}
	if s.HasMore() {
		t.Error("hasMore should be false after final page")
	}

	// Exhausted pages: further loads are no-ops.
	if err := s.LoadMoreMessages(context.Background()); err != nil {
		t.Fatalf("load more after exhaustion: %v", err)
	}
}

func TestLoadMoreWithoutInitialLoadNoOp(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)
	if err := s.LoadMoreMessages(context.Background()); err != nil {
		t.Fatalf("load more: %v", err)
	}
}

func TestHistorySwapRejectedWhileGenerating(t *testing.T) {
	b := &scriptedBackend{
		firstPage: &domain.MessagesPage{
			Data: []domain.HistoryMessage{{ID: "m1", Query: "old", Answer: "page", Status: "normal", CreatedAt: 100}},
		},
	}
	s := newTestSession(b)

	done := runSend(s, "live question")
	ch := b.stream(t, 0)

	err := s.LoadMessages(context.Background(), "c1")
	if !errors.Is(err, domain.ErrGenerationInFlight) {
		t.Fatalf("err = %v, want ErrGenerationInFlight", err)
	}

	s.Reset()
	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].Content != "live question" {
		t.Errorf("reset mid-stream dropped messages: %+v", msgs)
	}

	close(ch)
	<-done
}

func TestUploadBindsToNextSend(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	if _, err := s.Upload(context.Background(), "a.png", nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(s.PendingFiles()) != 1 {
		t.Fatal("upload not pending")
	}

	done := runSend(s, "see attachment")
	ch := b.stream(t, 0)
	close(ch)
	<-done

	if len(s.PendingFiles()) != 0 {
		t.Error("pending files not cleared after send")
	}
	msgs := s.Messages()
	if len(msgs[0].Files) != 1 || msgs[0].Files[0].ID != "f1" {
		t.Errorf("user message files = %+v", msgs[0].Files)
	}
}

func TestMessageReplace(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","answer":"offensive draft","from_variable_selector":["llm","text"]}`)
	ch <- mustEvent(t, `{"event":"message_replace","task_id":"t1","answer":"moderated text"}`)
	close(ch)
	<-done

	msgs := s.Messages()
	if msgs[len(msgs)-1].Content != "moderated text" {
		t.Errorf("content = %q", msgs[len(msgs)-1].Content)
	}
}

func TestErrorEventSynthesizesMessage(t *testing.T) {
	b := &scriptedBackend{}
	s := newTestSession(b)

	done := runSend(s, "q")
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"error","task_id":"t1","status":500,"code":"internal","message":"boom"}`)
	close(ch)
	<-done

	msgs := s.Messages()
	if msgs[len(msgs)-1].Content != errorAnswer {
		t.Errorf("content = %q", msgs[len(msgs)-1].Content)
	}
	if s.IsGenerating() {
		t.Error("generating after error event")
	}
}

func TestSessionManagerRekeysOnAdoption(t *testing.T) {
	b := &scriptedBackend{}
	m := NewSessionManager(slog.New(slog.DiscardHandler), nil)

	s := m.Session(b, "app1", "u1", "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SendMessage(context.Background(), "hi", nil)
	}()
	ch := b.stream(t, 0)
	ch <- mustEvent(t, `{"event":"message","task_id":"t1","conversation_id":"c9","answer":"a","from_variable_selector":["llm","text"]}`)
	close(ch)
	<-done

	if got := m.Session(b, "app1", "u1", "c9"); got != s {
		t.Error("manager did not re-key session under adopted conversation id")
	}
}
