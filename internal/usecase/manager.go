package usecase

import (
	"log/slog"
	"sync"

	"chatrelay/internal/domain"
)

// SessionManager hands out ChatSessions keyed by app, user and
// conversation. A fresh conversation (empty id) always gets a new
// session; once the stream assigns it an id the manager re-keys it so
// later requests for that conversation reach the same reducer.
type SessionManager struct {
	logger   *slog.Logger
	recorder TurnRecorder

	mu       sync.Mutex
	sessions map[string]*ChatSession
}

// NewSessionManager creates an empty manager.
func NewSessionManager(logger *slog.Logger, recorder TurnRecorder) *SessionManager {
	return &SessionManager{
		logger:   logger,
		recorder: recorder,
		sessions: make(map[string]*ChatSession),
	}
}

func sessionKey(appID, user, conversationID string) string {
	return appID + "\x00" + user + "\x00" + conversationID
}

// Session returns the session for the given conversation, creating it
// if needed. An empty conversationID creates an unkeyed session that is
// registered under its conversation id as soon as one is adopted.
func (m *SessionManager) Session(backend domain.Backend, appID, user, conversationID string) *ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conversationID != "" {
		if s, ok := m.sessions[sessionKey(appID, user, conversationID)]; ok {
			return s
		}
	}

	var s *ChatSession
	adopt := func(id string) {
		m.mu.Lock()
		m.sessions[sessionKey(appID, user, id)] = s
		m.mu.Unlock()
	}

	s = NewChatSession(backend, appID, user, m.logger,
		WithConversation(conversationID),
		WithRecorder(m.recorder),
		WithConversationAdopted(adopt),
	)
	if conversationID != "" {
		m.sessions[sessionKey(appID, user, conversationID)] = s
	}
	return s
}

// Drop removes and resets the session for a conversation, e.g. after
// the conversation was deleted on the backend.
func (m *SessionManager) Drop(appID, user, conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(appID, user, conversationID)]
	delete(m.sessions, sessionKey(appID, user, conversationID))
	m.mu.Unlock()

	if ok {
		s.Reset()
	}
}
