package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chatrelay/internal/adapter/dify"
	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

type fakeArchive struct {
	mu      sync.Mutex
	names   map[string]string
	deleted map[string]bool
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{names: map[string]string{}, deleted: map[string]bool{}}
}

func (a *fakeArchive) SetConversationName(_ context.Context, id, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names[id] = name
	return nil
}

func (a *fakeArchive) MarkConversationDeleted(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted[id] = true
	return nil
}

// newTestGateway stands up a fake upstream, a real backend client for
// it, and the gateway handler on a test server.
func newTestGateway(t *testing.T, upstream http.HandlerFunc) (*httptest.Server, *fakeArchive) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	backend := dify.NewClient("app1", up.URL, "test-key", up.Client(), logger)
	apps := map[string]domain.Backend{"app1": backend}
	archive := newFakeArchive()
	h := NewHandler(apps, usecase.NewSessionManager(logger, nil), archive, logger)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, archive
}

func TestChatRelaysFramesVerbatim(t *testing.T) {
	frames := []string{
		`{"event":"message","task_id":"t1","conversation_id":"c1","answer":"Hi"}`,
		`{"event":"message_end","task_id":"t1","message_id":"m1"}`,
		`{"event":"workflow_finished","task_id":"t1","data":{"status":"succeeded"}}`,
	}
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat-messages" {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, f := range frames {
				w.Write([]byte("data: " + f + "\n\n"))
			}
			return
		}
		// Async suggested-questions fetch after message_end.
		w.Write([]byte(`{"data":[]}`))
	})

	resp, err := http.Post(srv.URL+"/api/app1/chat-messages", "application/json",
		strings.NewReader(`{"query":"hello","user":"u1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	buf := make([]byte, 64*1024)
	var body strings.Builder
	for {
		n, rerr := resp.Body.Read(buf)
		body.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	for _, f := range frames {
		if !strings.Contains(body.String(), "data: "+f+"\n\n") {
			t.Errorf("frame not relayed verbatim: %s", f)
		}
	}
}

func TestChatUnknownApp(t *testing.T) {
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	resp, err := http.Post(srv.URL+"/api/nope/chat-messages", "application/json",
		strings.NewReader(`{"query":"x","user":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChatMissingUser(t *testing.T) {
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	resp, err := http.Post(srv.URL+"/api/app1/chat-messages", "application/json",
		strings.NewReader(`{"query":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMessagesProxied(t *testing.T) {
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("upstream path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"id":"m1","query":"q","answer":"a","status":"normal","created_at":1}],"has_more":false,"limit":20}`))
	})

	resp, err := http.Get(srv.URL + "/api/app1/messages?conversation_id=c1&user=u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var page domain.MessagesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].ID != "m1" {
		t.Errorf("page = %+v", page)
	}
}

func TestStopProxied(t *testing.T) {
	var upstreamPath string
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		w.Write([]byte(`{"result":"success"}`))
	})

	resp, err := http.Post(srv.URL+"/api/app1/chat-messages/t9/stop", "application/json",
		strings.NewReader(`{"user":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if upstreamPath != "/chat-messages/t9/stop" {
		t.Errorf("upstream path = %s", upstreamPath)
	}
}

func TestDeleteConversationMirrorsArchive(t *testing.T) {
	srv, archive := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"success"}`))
	})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/app1/conversations/c7",
		strings.NewReader(`{"user":"u1"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if !archive.deleted["c7"] {
		t.Error("archive not marked deleted")
	}
}

func TestRenameConversationMirrorsArchive(t *testing.T) {
	srv, archive := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c7","name":"Renamed"}`))
	})

	resp, err := http.Post(srv.URL+"/api/app1/conversations/c7/name", "application/json",
		strings.NewReader(`{"name":"Renamed","user":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var conv domain.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}
	if conv.Name != "Renamed" {
		t.Errorf("name = %q", conv.Name)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if archive.names["c7"] != "Renamed" {
		t.Errorf("archive name = %q", archive.names["c7"])
	}
}

func TestSuggestedProxied(t *testing.T) {
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":["follow up?"]}`))
	})

	resp, err := http.Post(srv.URL+"/api/app1/messages/m1/suggested", "application/json",
		strings.NewReader(`{"user":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Data []string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 || out.Data[0] != "follow up?" {
		t.Errorf("data = %v", out.Data)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
