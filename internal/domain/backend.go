package domain

import (
	"context"
	"encoding/json"
	"io"
)

// Backend is the port to a chat-messages style API. Implementations
// stream chat turns as classified events and expose the conversation,
// message, feedback and file operations the backend provides.
type Backend interface {
	// ChatMessages starts a streaming chat turn. The returned channel
	// delivers events in stream order and is closed when the turn ends,
	// the connection drops, or ctx is cancelled.
	ChatMessages(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)

	// StopGeneration asks the backend to stop the given task.
	StopGeneration(ctx context.Context, taskID, user string) error

	// Messages returns one page of conversation history, newest page
	// when q.FirstID is empty, older records before q.FirstID otherwise.
	Messages(ctx context.Context, q MessagesQuery) (*MessagesPage, error)

	// SuggestedQuestions fetches follow-up questions for a completed message.
	SuggestedQuestions(ctx context.Context, messageID, user string) ([]string, error)

	// SubmitFeedback records a like/dislike rating; empty rating clears it.
	SubmitFeedback(ctx context.Context, messageID, user, rating, content string) error

	// Conversations lists conversations for a user, paged by lastID.
	Conversations(ctx context.Context, user, lastID string, limit int) (*ConversationsPage, error)

	// DeleteConversation removes a conversation.
	DeleteConversation(ctx context.Context, conversationID, user string) error

	// RenameConversation renames a conversation, or asks the backend to
	// generate a name when autoGenerate is set.
	RenameConversation(ctx context.Context, conversationID, name string, autoGenerate bool, user string) (*Conversation, error)

	// UploadFile uploads a file for attachment to a later chat turn.
	UploadFile(ctx context.Context, user, filename string, content io.Reader) (*UploadedFile, error)

	// AppInfo, AppParameters and AppMeta return the raw backend app
	// descriptors for proxying.
	AppInfo(ctx context.Context) (json.RawMessage, error)
	AppParameters(ctx context.Context) (json.RawMessage, error)
	AppMeta(ctx context.Context) (json.RawMessage, error)
}
