package domain

import (
	"encoding/json"
	"fmt"
)

// Event discriminant values emitted by the backend stream.
const (
	EventMessage          = "message"
	EventMessageEnd       = "message_end"
	EventMessageFile      = "message_file"
	EventMessageReplace   = "message_replace"
	EventTTSMessage       = "tts_message"
	EventTTSMessageEnd    = "tts_message_end"
	EventWorkflowStarted  = "workflow_started"
	EventNodeStarted      = "node_started"
	EventNodeFinished     = "node_finished"
	EventWorkflowFinished = "workflow_finished"
	EventError            = "error"
	EventPing             = "ping"
)

// Workflow run status values carried by workflow/node events.
const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusSucceeded = "succeeded"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusStopped   = "stopped"
)

// EventMeta holds the envelope fields shared by every stream event.
// Raw preserves the original JSON record so callers relaying the stream
// can re-emit frames byte-for-byte.
type EventMeta struct {
	Event          string `json:"event"`
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	CreatedAt      int64  `json:"created_at,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Meta returns the shared envelope fields.
func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) streamEvent() {}

// StreamEvent is the closed union of backend stream events. Unrecognized
// discriminants classify as *UnknownEvent, which consumers must ignore.
type StreamEvent interface {
	Meta() EventMeta
	streamEvent()
}

// MessageEvent carries one incremental chunk of answer text.
// FromVariableSelector identifies which pipeline node produced the text;
// only the designated answer source is appended by consumers.
type MessageEvent struct {
	EventMeta
	Answer               string   `json:"answer"`
	FromVariableSelector []string `json:"from_variable_selector,omitempty"`
}

// FromAnswerSource reports whether this chunk comes from the final
// answer text source. Chunks without a selector are discarded, same as
// chunks from other pipeline nodes.
func (e *MessageEvent) FromAnswerSource() bool {
	return len(e.FromVariableSelector) >= 2 && e.FromVariableSelector[1] == "text"
}

// MessageEndMetadata is the metadata block of a message_end event.
type MessageEndMetadata struct {
	RetrieverResources []RetrieverResource `json:"retriever_resources,omitempty"`
	Usage              *Usage              `json:"usage,omitempty"`
}

// MessageEndEvent terminates the current assistant message.
type MessageEndEvent struct {
	EventMeta
	Metadata MessageEndMetadata `json:"metadata"`
}

// MessageFileEvent announces a file produced during the turn.
type MessageFileEvent struct {
	EventMeta
	ID        string `json:"id"`
	Type      string `json:"type"`
	BelongsTo string `json:"belongs_to"`
	URL       string `json:"url"`
}

// MessageReplaceEvent replaces the answer content wholesale (e.g. after
// moderation).
type MessageReplaceEvent struct {
	EventMeta
	Answer string `json:"answer"`
}

// TTSMessageEvent carries a base64 audio chunk.
type TTSMessageEvent struct {
	EventMeta
	Audio string `json:"audio"`
}

// TTSMessageEndEvent terminates the audio stream.
type TTSMessageEndEvent struct {
	EventMeta
	Audio string `json:"audio"`
}

// WorkflowRunData is the data block of workflow lifecycle events.
type WorkflowRunData struct {
	ID          string  `json:"id"`
	WorkflowID  string  `json:"workflow_id"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	ElapsedTime float64 `json:"elapsed_time,omitempty"`
	TotalTokens int     `json:"total_tokens,omitempty"`
	TotalSteps  int     `json:"total_steps,omitempty"`
	CreatedAt   int64   `json:"created_at,omitempty"`
	FinishedAt  int64   `json:"finished_at,omitempty"`
}

// WorkflowStartedEvent marks the start of the backend workflow run.
type WorkflowStartedEvent struct {
	EventMeta
	WorkflowRunID string          `json:"workflow_run_id"`
	Data          WorkflowRunData `json:"data"`
}

// WorkflowFinishedEvent is the authoritative end-of-turn signal,
// regardless of success, failure or stop.
type WorkflowFinishedEvent struct {
	EventMeta
	WorkflowRunID string          `json:"workflow_run_id"`
	Data          WorkflowRunData `json:"data"`
}

// NodeRunData is the data block of node lifecycle events.
type NodeRunData struct {
	ID          string  `json:"id"`
	NodeID      string  `json:"node_id"`
	NodeType    string  `json:"node_type,omitempty"`
	Title       string  `json:"title,omitempty"`
	Index       int     `json:"index"`
	Status      string  `json:"status,omitempty"`
	Error       string  `json:"error,omitempty"`
	ElapsedTime float64 `json:"elapsed_time,omitempty"`
}

// NodeStartedEvent marks the start of one workflow node.
type NodeStartedEvent struct {
	EventMeta
	WorkflowRunID string      `json:"workflow_run_id"`
	Data          NodeRunData `json:"data"`
}

// NodeFinishedEvent marks the completion of one workflow node.
type NodeFinishedEvent struct {
	EventMeta
	WorkflowRunID string      `json:"workflow_run_id"`
	Data          NodeRunData `json:"data"`
}

// ErrorEvent reports a backend-side failure mid-stream.
type ErrorEvent struct {
	EventMeta
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PingEvent is a keepalive; it carries no data.
type PingEvent struct {
	EventMeta
}

// UnknownEvent is the catch-all for discriminants this client does not
// recognize. Consumers ignore it; this keeps the stream forward
// compatible with new backend event types.
type UnknownEvent struct {
	EventMeta
}

// Classify parses one decoded JSON record into a typed StreamEvent.
// Dispatch is solely on the "event" field; missing variant fields are
// tolerated as zero values. The original record is retained in Meta().Raw.
func Classify(data []byte) (StreamEvent, error) {
	var meta EventMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("classify event: %w", err)
	}

	var ev StreamEvent
	switch meta.Event {
	case EventMessage:
		ev = &MessageEvent{}
	case EventMessageEnd:
		ev = &MessageEndEvent{}
	case EventMessageFile:
		ev = &MessageFileEvent{}
	case EventMessageReplace:
		ev = &MessageReplaceEvent{}
	case EventTTSMessage:
		ev = &TTSMessageEvent{}
	case EventTTSMessageEnd:
		ev = &TTSMessageEndEvent{}
	case EventWorkflowStarted:
		ev = &WorkflowStartedEvent{}
	case EventNodeStarted:
		ev = &NodeStartedEvent{}
	case EventNodeFinished:
		ev = &NodeFinishedEvent{}
	case EventWorkflowFinished:
		ev = &WorkflowFinishedEvent{}
	case EventError:
		ev = &ErrorEvent{}
	case EventPing:
		ev = &PingEvent{}
	default:
		meta.Raw = append(json.RawMessage(nil), data...)
		return &UnknownEvent{EventMeta: meta}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("classify %q event: %w", meta.Event, err)
	}
	setRaw(ev, data)
	return ev, nil
}

// setRaw stores a copy of the original record on the event's envelope.
func setRaw(ev StreamEvent, data []byte) {
	raw := append(json.RawMessage(nil), data...)
	switch e := ev.(type) {
	case *MessageEvent:
		e.Raw = raw
	case *MessageEndEvent:
		e.Raw = raw
	case *MessageFileEvent:
		e.Raw = raw
	case *MessageReplaceEvent:
		e.Raw = raw
	case *TTSMessageEvent:
		e.Raw = raw
	case *TTSMessageEndEvent:
		e.Raw = raw
	case *WorkflowStartedEvent:
		e.Raw = raw
	case *NodeStartedEvent:
		e.Raw = raw
	case *NodeFinishedEvent:
		e.Raw = raw
	case *WorkflowFinishedEvent:
		e.Raw = raw
	case *ErrorEvent:
		e.Raw = raw
	case *PingEvent:
		e.Raw = raw
	case *UnknownEvent:
		e.Raw = raw
	}
}
