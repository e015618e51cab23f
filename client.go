// Package chatsync keeps a client-side view of tutoring-platform conversations,
// messages and presence consistent with a backend that offers a polling message
// API and a separate live presence feed.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://tutor.example.com"))
//	engine := chatsync.NewEngine(client, selfID, nil)
//	go engine.Run(ctx)
//
//	engine.OnMessages(func(msgs []chatsync.Message) { render(msgs) })
//	engine.Select("conv-123")
//	engine.SendText("Hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// Backend is the server-side contract the engine consumes.
type Backend interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, participantID string) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	MessageHistory(ctx context.Context, conversationID string) ([]Message, error)
	PostMessage(ctx context.Context, conversationID string, draft Draft) (*Message, error)
	ListUsers(ctx context.Context, limit int) ([]DirectoryEntry, error)
	GetUser(ctx context.Context, id string) (*DirectoryEntry, error)
	UploadFile(ctx context.Context, fileName string, data []byte, mimeType string) (*UploadResult, error)
}

// ReadMarker is implemented by backends that track read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Users         *UsersClient
	Files         *FilesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientLogger sets the logger used for request diagnostics.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "client").Logger()

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Code: "NETWORK", Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Status: resp.StatusCode, Code: "NETWORK", Message: err.Error()}
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Request completed")

	if len(data) == 0 && resp.StatusCode < 300 {
		return &Result{OK: true}, nil
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if resp.StatusCode >= 300 {
				return nil, &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: string(data)}
			}
			return nil, &APIError{Status: resp.StatusCode, Code: "MALFORMED_RESPONSE", Message: err.Error()}
		}
	}

	if resp.StatusCode >= 300 || !result.OK {
		apiErr := &APIError{Status: resp.StatusCode, Code: "REQUEST_FAILED", Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}

func decodeInto[T any](res *Result) (T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return v, &APIError{Code: "MALFORMED_RESPONSE", Message: fmt.Sprintf("failed to unmarshal response: %v", err)}
	}
	return v, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient handles conversation management.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]Conversation](res)
}

func (cv *ConversationsClient) Create(ctx context.Context, participantID string) (*Conversation, error) {
	res, err := cv.c.doRequest(ctx, http.MethodPost, "/api/conversations", map[string]string{"participantId": participantID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[*Conversation](res)
}

func (cv *ConversationsClient) Delete(ctx context.Context, id string) error {
	_, err := cv.c.doRequest(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
	return err
}

// MarkRead resets the caller's unread counter for a conversation.
func (cv *ConversationsClient) MarkRead(ctx context.Context, id string) error {
	_, err := cv.c.doRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

// MessagesClient handles message history and posting.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) History(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := m.c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]Message](res)
}

func (m *MessagesClient) Post(ctx context.Context, conversationID string, draft Draft) (*Message, error) {
	if draft.Kind == "" {
		draft.Kind = KindText
	}
	res, err := m.c.doRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", draft, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[*Message](res)
}

// UsersClient reads the user directory.
type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context, limit int) ([]DirectoryEntry, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": fmt.Sprintf("%d", limit)}
	}
	res, err := u.c.doRequest(ctx, http.MethodGet, "/api/users", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]DirectoryEntry](res)
}

func (u *UsersClient) Get(ctx context.Context, id string) (*DirectoryEntry, error) {
	res, err := u.c.doRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[*DirectoryEntry](res)
}

// FilesClient handles attachment uploads.
type FilesClient struct{ c *Client }

// Upload stores data as a multipart form upload and returns its public URL.
func (f *FilesClient) Upload(ctx context.Context, fileName string, data []byte, mimeType string) (*UploadResult, error) {
	if fileName == "" {
		return nil, &ValidationError{Field: "fileName", Reason: "required"}
	}
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("mimeType", mimeType)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	res, err := f.c.send(ctx, http.MethodPost, "/api/files", &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeInto[*UploadResult](res)
	if err != nil {
		return nil, err
	}
	if out != nil && out.MimeType == "" {
		out.MimeType = mimeType
	}
	return out, nil
}

// ============================================================================
// Backend implementation
// ============================================================================

var (
	_ Backend    = (*Client)(nil)
	_ ReadMarker = (*Client)(nil)
)

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	return c.Conversations.List(ctx)
}

func (c *Client) CreateConversation(ctx context.Context, participantID string) (*Conversation, error) {
	return c.Conversations.Create(ctx, participantID)
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.Conversations.Delete(ctx, id)
}

func (c *Client) MessageHistory(ctx context.Context, conversationID string) ([]Message, error) {
	return c.Messages.History(ctx, conversationID)
}

func (c *Client) PostMessage(ctx context.Context, conversationID string, draft Draft) (*Message, error) {
	return c.Messages.Post(ctx, conversationID, draft)
}

func (c *Client) ListUsers(ctx context.Context, limit int) ([]DirectoryEntry, error) {
	return c.Users.List(ctx, limit)
}

func (c *Client) GetUser(ctx context.Context, id string) (*DirectoryEntry, error) {
	return c.Users.Get(ctx, id)
}

func (c *Client) UploadFile(ctx context.Context, fileName string, data []byte, mimeType string) (*UploadResult, error) {
	return c.Files.Upload(ctx, fileName, data, mimeType)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.Conversations.MarkRead(ctx, conversationID)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".txt": "text/plain", ".webp": "image/webp", ".heic": "image/heic",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" becomes "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
