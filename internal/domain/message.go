package domain

import (
	"strings"
	"time"
)

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DisplayMessage is the UI-facing message record. Its ID is the backend
// message id plus a role suffix ("-user"/"-assistant"), or a synthesized
// ULID-based id for messages that have no backend record yet.
type DisplayMessage struct {
	ID                 string              `json:"id"`
	Role               string              `json:"role"`
	Content            string              `json:"content"`
	CreatedAt          time.Time           `json:"created_at"`
	Files              []MessageFile       `json:"files,omitempty"`
	RetrieverResources []RetrieverResource `json:"retriever_resources,omitempty"`
}

// BackendID recovers the backend message id by stripping the role suffix.
// Synthesized ids (no suffix) are returned unchanged.
func (m DisplayMessage) BackendID() string {
	for _, suffix := range []string{"-" + RoleUser, "-" + RoleAssistant} {
		if strings.HasSuffix(m.ID, suffix) {
			return strings.TrimSuffix(m.ID, suffix)
		}
	}
	return m.ID
}

// MessageFile is a file bound to a message, as reported by the backend.
type MessageFile struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	BelongsTo string `json:"belongs_to"`
}

// RetrieverResource is a citation: a source document segment the backend
// used to ground an answer.
type RetrieverResource struct {
	Position        int     `json:"position"`
	DatasetID       string  `json:"dataset_id"`
	DatasetName     string  `json:"dataset_name"`
	DocumentID      string  `json:"document_id"`
	DocumentName    string  `json:"document_name"`
	DataSourceType  string  `json:"data_source_type"`
	SegmentID       string  `json:"segment_id"`
	SegmentPosition int     `json:"segment_position"`
	Score           float64 `json:"score"`
	WordCount       int     `json:"word_count"`
	HitCount        int     `json:"hit_count"`
	Content         string  `json:"content"`
}

// Conversation is one backend conversation.
type Conversation struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Introduction string         `json:"introduction,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// ConversationsPage is one page of the conversation list.
type ConversationsPage struct {
	Data    []Conversation `json:"data"`
	HasMore bool           `json:"has_more"`
	Limit   int            `json:"limit"`
}

// UploadedFile is the backend's record of an uploaded file, pending
// attachment to the next sent message.
type UploadedFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url,omitempty"`
}

// AttachedFile is the wire form of a file reference in a chat request.
type AttachedFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

// ChatRequest is the body of a chat-messages call.
type ChatRequest struct {
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	User           string         `json:"user"`
	Files          []AttachedFile `json:"files"`
	Inputs         map[string]any `json:"inputs"`
	ResponseMode   string         `json:"response_mode,omitempty"`
}

// Feedback is a user rating on a message.
type Feedback struct {
	Rating string `json:"rating,omitempty"` // "like", "dislike" or empty
}

// HistoryMessage is one backend /messages record. It bundles a user
// query and an optional assistant answer into a single paired record.
type HistoryMessage struct {
	ID                 string              `json:"id"`
	ConversationID     string              `json:"conversation_id"`
	Inputs             map[string]any      `json:"inputs,omitempty"`
	Query              string              `json:"query"`
	Answer             string              `json:"answer"`
	MessageFiles       []MessageFile       `json:"message_files,omitempty"`
	Feedback           *Feedback           `json:"feedback,omitempty"`
	RetrieverResources []RetrieverResource `json:"retriever_resources,omitempty"`
	Status             string              `json:"status"`
	CreatedAt          int64               `json:"created_at"`
}

// MessagesPage is one page of conversation history.
type MessagesPage struct {
	Data    []HistoryMessage `json:"data"`
	HasMore bool             `json:"has_more"`
	Limit   int              `json:"limit"`
}

// MessagesQuery selects a page of history.
type MessagesQuery struct {
	ConversationID string
	User           string
	FirstID        string // load messages older than this id; empty = newest page
	Limit          int
}

// Usage tracks token consumption reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
