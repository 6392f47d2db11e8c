package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

// Client is the HTTP client for one backend app. Each app has its own
// API key; the gateway holds one Client per configured app.
type Client struct {
	appID   string
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a backend client for one app.
func NewClient(appID, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		appID:   appID,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpClient,
		logger:  logger.With("app", appID),
	}
}

// AppID returns the configured app identifier.
func (c *Client) AppID() string { return c.appID }

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// ChatMessages implements domain.Backend. It opens the streaming POST and
// returns a channel of classified events; decode happens on a background
// goroutine that owns the response body.
func (c *Client) ChatMessages(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "dify.chat_messages")
	span.SetAttributes(
		tracer.StringAttr("dify.app", c.appID),
		tracer.StringAttr("dify.conversation_id", req.ConversationID),
	)
	defer span.End()

	if req.ResponseMode == "" {
		req.ResponseMode = "streaming"
	}
	if req.Files == nil {
		req.Files = []domain.AttachedFile{}
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := doStreamRequest(ctx, c.http, c.baseURL+"/chat-messages", body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("dify.ChatMessages", err)
	}

	c.logger.Debug("chat stream opened", "conversation_id", req.ConversationID)
	tracer.SetOK(span)
	return DecodeStream(ctx, resp.Body, c.logger), nil
}

// StopGeneration implements domain.Backend.
func (c *Client) StopGeneration(ctx context.Context, taskID, user string) error {
	ctx, span := tracer.StartSpan(ctx, "dify.stop_generation")
	defer span.End()

	body, _ := json.Marshal(map[string]string{"user": user})
	_, err := doJSONRequest(ctx, c.http, http.MethodPost, c.baseURL+"/chat-messages/"+url.PathEscape(taskID)+"/stop", body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("dify.StopGeneration", err)
	}
	tracer.SetOK(span)
	return nil
}

// Messages implements domain.Backend.
func (c *Client) Messages(ctx context.Context, q domain.MessagesQuery) (*domain.MessagesPage, error) {
	ctx, span := tracer.StartSpan(ctx, "dify.messages")
	defer span.End()

	params := url.Values{}
	params.Set("conversation_id", q.ConversationID)
	params.Set("user", q.User)
	if q.FirstID != "" {
		params.Set("first_id", q.FirstID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	respBody, err := doJSONRequest(ctx, c.http, http.MethodGet, c.baseURL+"/messages?"+params.Encode(), nil, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("dify.Messages", err)
	}

	var page domain.MessagesPage
	if err := json.Unmarshal(respBody, &page); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("decode messages page: %w", err)
	}
	tracer.SetOK(span)
	return &page, nil
}

// SuggestedQuestions implements domain.Backend.
func (c *Client) SuggestedQuestions(ctx context.Context, messageID, user string) ([]string, error) {
	params := url.Values{}
	params.Set("user", user)

	respBody, err := doJSONRequest(ctx, c.http, http.MethodGet,
		c.baseURL+"/messages/"+url.PathEscape(messageID)+"/suggested?"+params.Encode(), nil, c.headers())
	if err != nil {
		return nil, domain.WrapOp("dify.SuggestedQuestions", err)
	}

	var out struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode suggested questions: %w", err)
	}
	return out.Data, nil
}

// SubmitFeedback implements domain.Backend. An empty rating clears the
// previous one.
func (c *Client) SubmitFeedback(ctx context.Context, messageID, user, rating, content string) error {
	payload := map[string]any{"user": user, "content": content}
	if rating == "" {
		payload["rating"] = nil
	} else {
		payload["rating"] = rating
	}
	body, _ := json.Marshal(payload)

	_, err := doJSONRequest(ctx, c.http, http.MethodPost,
		c.baseURL+"/messages/"+url.PathEscape(messageID)+"/feedbacks", body, c.headers())
	return domain.WrapOp("dify.SubmitFeedback", err)
}

// Conversations implements domain.Backend.
func (c *Client) Conversations(ctx context.Context, user, lastID string, limit int) (*domain.ConversationsPage, error) {
	params := url.Values{}
	params.Set("user", user)
	params.Set("sort_by", "-updated_at")
	if lastID != "" {
		params.Set("last_id", lastID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	respBody, err := doJSONRequest(ctx, c.http, http.MethodGet, c.baseURL+"/conversations?"+params.Encode(), nil, c.headers())
	if err != nil {
		return nil, domain.WrapOp("dify.Conversations", err)
	}

	var page domain.ConversationsPage
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("decode conversations page: %w", err)
	}
	return &page, nil
}

// DeleteConversation implements domain.Backend.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, user string) error {
	body, _ := json.Marshal(map[string]string{"user": user})
	_, err := doJSONRequest(ctx, c.http, http.MethodDelete,
		c.baseURL+"/conversations/"+url.PathEscape(conversationID), body, c.headers())
	return domain.WrapOp("dify.DeleteConversation", err)
}

// RenameConversation implements domain.Backend.
func (c *Client) RenameConversation(ctx context.Context, conversationID, name string, autoGenerate bool, user string) (*domain.Conversation, error) {
	body, _ := json.Marshal(map[string]any{
		"name":          name,
		"auto_generate": autoGenerate,
		"user":          user,
	})

	respBody, err := doJSONRequest(ctx, c.http, http.MethodPost,
		c.baseURL+"/conversations/"+url.PathEscape(conversationID)+"/name", body, c.headers())
	if err != nil {
		return nil, domain.WrapOp("dify.RenameConversation", err)
	}

	var conv domain.Conversation
	if err := json.Unmarshal(respBody, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// UploadFile implements domain.Backend via a multipart POST.
func (c *Client) UploadFile(ctx context.Context, user, filename string, content io.Reader) (*domain.UploadedFile, error) {
	ctx, span := tracer.StartSpan(ctx, "dify.upload_file")
	defer span.End()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("copy file content: %w", err)
	}
	if err := mw.WriteField("user", user); err != nil {
		return nil, fmt.Errorf("write user field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		err := mapHTTPError(httpResp.StatusCode, respBody)
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("dify.UploadFile", err)
	}

	var file domain.UploadedFile
	if err := json.Unmarshal(respBody, &file); err != nil {
		return nil, fmt.Errorf("decode uploaded file: %w", err)
	}
	tracer.SetOK(span)
	return &file, nil
}

// AppInfo implements domain.Backend.
func (c *Client) AppInfo(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/info", "dify.AppInfo")
}

// AppParameters implements domain.Backend.
func (c *Client) AppParameters(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/parameters", "dify.AppParameters")
}

// AppMeta implements domain.Backend.
func (c *Client) AppMeta(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/meta", "dify.AppMeta")
}

func (c *Client) getRaw(ctx context.Context, path, op string) (json.RawMessage, error) {
	respBody, err := doJSONRequest(ctx, c.http, http.MethodGet, c.baseURL+path, nil, c.headers())
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return json.RawMessage(respBody), nil
}

var _ domain.Backend = (*Client)(nil)
