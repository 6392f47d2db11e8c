package domain

import (
	"testing"
)

func TestClassifyMessageEvent(t *testing.T) {
	data := []byte(`{"event":"message","task_id":"t1","conversation_id":"c1","message_id":"m1","answer":"Hello","from_variable_selector":["node1","text"]}`)

	ev, err := Classify(data)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	msg, ok := ev.(*MessageEvent)
	if !ok {
		t.Fatalf("got %T, want *MessageEvent", ev)
	}
	if msg.Answer != "Hello" {
		t.Errorf("answer = %q, want %q", msg.Answer, "Hello")
	}
	if msg.TaskID != "t1" || msg.ConversationID != "c1" || msg.MessageID != "m1" {
		t.Errorf("envelope = %+v", msg.EventMeta)
	}
	if !msg.FromAnswerSource() {
		t.Error("selector [node1 text] should count as answer source")
	}
	if string(msg.Meta().Raw) != string(data) {
		t.Errorf("raw not preserved: %s", msg.Meta().Raw)
	}
}

func TestClassifyMessageEventSelectorFiltering(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		want     bool
	}{
		{"no selector", `"from_variable_selector":null`, false},
		{"empty selector", `"from_variable_selector":[]`, false},
		{"text selector", `"from_variable_selector":["llm","text"]`, true},
		{"other selector", `"from_variable_selector":["llm","reasoning"]`, false},
		{"single element", `"from_variable_selector":["llm"]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte(`{"event":"message","task_id":"t1","answer":"x",` + tt.selector + `}`)
			ev, err := Classify(data)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			msg := ev.(*MessageEvent)
			if got := msg.FromAnswerSource(); got != tt.want {
				t.Errorf("FromAnswerSource() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyMessageEnd(t *testing.T) {
	data := []byte(`{"event":"message_end","task_id":"t1","message_id":"m1","metadata":{"retriever_resources":[{"position":1,"dataset_name":"docs","content":"cited text"}],"usage":{"total_tokens":42}}}`)

	ev, err := Classify(data)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	end, ok := ev.(*MessageEndEvent)
	if !ok {
		t.Fatalf("got %T, want *MessageEndEvent", ev)
	}
	if len(end.Metadata.RetrieverResources) != 1 {
		t.Fatalf("resources = %d, want 1", len(end.Metadata.RetrieverResources))
	}
	if end.Metadata.RetrieverResources[0].Content != "cited text" {
		t.Errorf("resource content = %q", end.Metadata.RetrieverResources[0].Content)
	}
	if end.Metadata.Usage == nil || end.Metadata.Usage.TotalTokens != 42 {
		t.Errorf("usage = %+v", end.Metadata.Usage)
	}
}

func TestClassifyWorkflowFinished(t *testing.T) {
	data := []byte(`{"event":"workflow_finished","task_id":"t1","workflow_run_id":"w1","data":{"id":"w1","status":"succeeded","elapsed_time":1.5,"total_steps":3}}`)

	ev, err := Classify(data)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	fin, ok := ev.(*WorkflowFinishedEvent)
	if !ok {
		t.Fatalf("got %T, want *WorkflowFinishedEvent", ev)
	}
	if fin.Data.Status != WorkflowStatusSucceeded {
		t.Errorf("status = %q, want succeeded", fin.Data.Status)
	}
	if fin.Data.TotalSteps != 3 {
		t.Errorf("steps = %d, want 3", fin.Data.TotalSteps)
	}
}

func TestClassifyErrorEvent(t *testing.T) {
	data := []byte(`{"event":"error","task_id":"t1","status":400,"code":"invalid_param","message":"bad query"}`)

	ev, err := Classify(data)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	ee, ok := ev.(*ErrorEvent)
	if !ok {
		t.Fatalf("got %T, want *ErrorEvent", ev)
	}
	if ee.Status != 400 || ee.Code != "invalid_param" || ee.Message != "bad query" {
		t.Errorf("got %+v", ee)
	}
}

func TestClassifyUnknownEvent(t *testing.T) {
	data := []byte(`{"event":"agent_thought","task_id":"t1","thought":"hmm"}`)

	ev, err := Classify(data)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	unk, ok := ev.(*UnknownEvent)
	if !ok {
		t.Fatalf("got %T, want *UnknownEvent", ev)
	}
	if unk.Event != "agent_thought" {
		t.Errorf("event = %q", unk.Event)
	}
	if string(unk.Raw) != string(data) {
		t.Errorf("raw not preserved")
	}
}

func TestClassifyPing(t *testing.T) {
	ev, err := Classify([]byte(`{"event":"ping"}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if _, ok := ev.(*PingEvent); !ok {
		t.Fatalf("got %T, want *PingEvent", ev)
	}
}

func TestClassifyMalformedJSON(t *testing.T) {
	if _, err := Classify([]byte(`{"event":"message"`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestClassifyRawIsCopy(t *testing.T) {
	data := []byte(`{"event":"message","task_id":"t1","answer":"a"}`)
	ev, err := Classify(data)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	orig := string(data)
	for i := range data {
		data[i] = 'x'
	}
	if string(ev.Meta().Raw) != orig {
		t.Error("Raw aliases the caller's buffer")
	}
}
