package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

// ConversationArchive mirrors rename/delete operations into the local
// transcript store. Optional; a nil archive disables mirroring.
type ConversationArchive interface {
	SetConversationName(ctx context.Context, conversationID, name string) error
	MarkConversationDeleted(ctx context.Context, conversationID string) error
}

// Handler exposes the chat API over HTTP. Every route is scoped by an
// app id that selects the backend client (and so the API key).
type Handler struct {
	apps     map[string]domain.Backend
	sessions *usecase.SessionManager
	archive  ConversationArchive
	logger   *slog.Logger
}

// NewHandler creates the route handler. apps maps app ids to their
// backend clients; archive may be nil.
func NewHandler(apps map[string]domain.Backend, sessions *usecase.SessionManager, archive ConversationArchive, logger *slog.Logger) *Handler {
	return &Handler{
		apps:     apps,
		sessions: sessions,
		archive:  archive,
		logger:   logger,
	}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/{app}/chat-messages", h.handleChat)
	mux.HandleFunc("POST /api/{app}/chat-messages/{taskId}/stop", h.handleStop)
	mux.HandleFunc("GET /api/{app}/messages", h.handleMessages)
	mux.HandleFunc("POST /api/{app}/messages/{id}/feedbacks", h.handleFeedback)
	mux.HandleFunc("POST /api/{app}/messages/{id}/suggested", h.handleSuggested)
	mux.HandleFunc("GET /api/{app}/conversations", h.handleConversations)
	mux.HandleFunc("DELETE /api/{app}/conversations/{id}", h.handleDeleteConversation)
	mux.HandleFunc("POST /api/{app}/conversations/{id}/name", h.handleRenameConversation)
	mux.HandleFunc("POST /api/{app}/files/upload", h.handleUpload)
	mux.HandleFunc("GET /api/{app}/app-info", h.handleAppInfo)
	mux.HandleFunc("GET /api/{app}/app-parameters", h.handleAppParameters)
	mux.HandleFunc("GET /api/{app}/app-meta", h.handleAppMeta)
	mux.HandleFunc("GET /api/health", h.handleHealth)
}

func (h *Handler) backend(w http.ResponseWriter, r *http.Request) (domain.Backend, string, bool) {
	appID := r.PathValue("app")
	b, ok := h.apps[appID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown app")
		return nil, "", false
	}
	return b, appID, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes for the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrConversationNotFound), errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRegenerateWithFiles), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type chatRequestBody struct {
	Query          string                `json:"query"`
	ConversationID string                `json:"conversation_id"`
	User           string                `json:"user"`
	Files          []domain.AttachedFile `json:"files"`
	Inputs         map[string]any        `json:"inputs"`
}

// handleChat opens the backend stream through the conversation session
// and relays every frame to the client byte-for-byte while the session
// folds the same events.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	backend, appID, ok := h.backend(w, r)
	if !ok {
		return
	}

	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session := h.sessions.Session(backend, appID, body.User, body.ConversationID)
	observer := func(ev domain.StreamEvent) {
		if werr := sse.WriteData(ev.Meta().Raw); werr != nil {
			h.logger.Debug("client disconnected mid-stream", "error", werr)
		}
	}

	if err := session.SendMessage(r.Context(), body.Query, observer); err != nil {
		h.logger.Error("chat relay failed", "error", err)
	}
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	var body struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	if err := backend.StopGeneration(r.Context(), r.PathValue("taskId"), body.User); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := backend.Messages(r.Context(), domain.MessagesQuery{
		ConversationID: q.Get("conversation_id"),
		User:           q.Get("user"),
		FirstID:        q.Get("first_id"),
		Limit:          limit,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	var body struct {
		User    string `json:"user"`
		Rating  string `json:"rating"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := backend.SubmitFeedback(r.Context(), r.PathValue("id"), body.User, body.Rating, body.Content); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (h *Handler) handleSuggested(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	var body struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	qs, err := backend.SuggestedQuestions(r.Context(), r.PathValue("id"), body.User)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if qs == nil {
		qs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": qs})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := backend.Conversations(r.Context(), q.Get("user"), q.Get("last_id"), limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	backend, appID, ok := h.backend(w, r)
	if !ok {
		return
	}
	var body struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	conversationID := r.PathValue("id")
	if err := backend.DeleteConversation(r.Context(), conversationID, body.User); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	// The reducer state for a deleted conversation is gone with it.
	h.sessions.Drop(appID, body.User, conversationID)
	if h.archive != nil {
		if err := h.archive.MarkConversationDeleted(r.Context(), conversationID); err != nil {
			h.logger.Warn("archive delete mark failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (h *Handler) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	var body struct {
		Name         string `json:"name"`
		AutoGenerate bool   `json:"auto_generate"`
		User         string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	conv, err := backend.RenameConversation(r.Context(), r.PathValue("id"), body.Name, body.AutoGenerate, body.User)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if h.archive != nil {
		if err := h.archive.SetConversationName(r.Context(), conv.ID, conv.Name); err != nil {
			h.logger.Warn("archive rename failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	user := r.FormValue("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	uploaded, err := backend.UploadFile(r.Context(), user, header.Filename, file)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, uploaded)
}

func (h *Handler) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	h.proxyRaw(w, r, func(ctx context.Context, b domain.Backend) (json.RawMessage, error) {
		return b.AppInfo(ctx)
	})
}

func (h *Handler) handleAppParameters(w http.ResponseWriter, r *http.Request) {
	h.proxyRaw(w, r, func(ctx context.Context, b domain.Backend) (json.RawMessage, error) {
		return b.AppParameters(ctx)
	})
}

func (h *Handler) handleAppMeta(w http.ResponseWriter, r *http.Request) {
	h.proxyRaw(w, r, func(ctx context.Context, b domain.Backend) (json.RawMessage, error) {
		return b.AppMeta(ctx)
	})
}

func (h *Handler) proxyRaw(w http.ResponseWriter, r *http.Request, fetch func(context.Context, domain.Backend) (json.RawMessage, error)) {
	backend, _, ok := h.backend(w, r)
	if !ok {
		return
	}
	raw, err := fetch(r.Context(), backend)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
