// Package chatclient is a Go client for the chat REST and realtime APIs. It
// keeps a reconcile.Thread per conversation so callers can render optimistic
// sends, acknowledgements and pushed messages as one list.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/reconcile"
	"github.com/chirino/chat-service/internal/service"
	"github.com/google/uuid"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chat api: %d: %s", e.Status, e.Message)
}

// Client talks to one chat service as one user.
type Client struct {
	baseURL    string
	token      string
	userID     string
	http       *http.Client
	maxRetries uint64
	reconciler *reconcile.Reconciler
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetries bounds how many times a send is retried after a transport
// failure or 5xx response.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New returns a client for baseURL authenticating with bearerToken.
func New(baseURL, bearerToken, userID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      bearerToken,
		userID:     userID,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		reconciler: reconcile.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserID returns the user the client acts as.
func (c *Client) UserID() string { return c.userID }

// Thread returns the local view of a conversation.
func (c *Client) Thread(conversationID uuid.UUID) *reconcile.Thread {
	return c.reconciler.Thread(conversationID)
}

// NewClientToken returns a fresh idempotency token of the form
// {userId}:{unixMillis}:{random}.
func NewClientToken(userID string, now time.Time) string {
	return userID + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Start returns the conversation with peerUserID, creating it if needed.
func (c *Client) Start(ctx context.Context, peerUserID string) (*service.StartResult, error) {
	var out service.StartResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/chats/start", map[string]string{"peerUserId": peerUserID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns one page of the caller's conversations.
func (c *Client) ListConversations(ctx context.Context, page, limit int) (*service.Page[model.ConversationView], error) {
	var out service.Page[model.ConversationView]
	if _, err := c.do(ctx, http.MethodGet, "/v1/chats"+pageQuery(page, limit), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages fetches one page of messages and merges it into the thread.
func (c *Client) ListMessages(ctx context.Context, conversationID uuid.UUID, page, limit int) (*service.Page[model.Message], error) {
	var out service.Page[model.Message]
	path := "/v1/chats/" + conversationID.String() + "/messages" + pageQuery(page, limit)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	c.Thread(conversationID).Apply(reconcile.PageLoaded{Messages: out.Items})
	return &out, nil
}

// MarkRead moves the caller's read pointer and returns the new unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID uuid.UUID) (int64, error) {
	var out struct {
		OK          bool  `json:"ok"`
		UnreadCount int64 `json:"unreadCount"`
	}
	path := "/v1/chats/" + conversationID.String() + "/read"
	if _, err := c.do(ctx, http.MethodPatch, path, map[string]string{"lastReadMessageId": messageID.String()}, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// Send posts body with a new client token. A placeholder appears in the
// thread immediately; transport failures are retried with the same token.
func (c *Client) Send(ctx context.Context, conversationID uuid.UUID, body string) (*model.Message, error) {
	token := NewClientToken(c.userID, c.now())
	c.Thread(conversationID).Apply(reconcile.SendStarted{Token: token, AuthorID: c.userID, Body: body, At: c.now()})
	return c.send(ctx, conversationID, token, body)
}

// Resend retries a failed placeholder with its original token.
func (c *Client) Resend(ctx context.Context, conversationID uuid.UUID, token string) (*model.Message, error) {
	th := c.Thread(conversationID)
	var body string
	found := false
	for _, e := range th.Pending() {
		if e.ClientToken == token {
			body, found = e.Message.Body, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("no pending message with token %q", token)
	}
	th.Apply(reconcile.SendRetried{Token: token})
	return c.send(ctx, conversationID, token, body)
}

func (c *Client) send(ctx context.Context, conversationID uuid.UUID, token, body string) (*model.Message, error) {
	th := c.Thread(conversationID)
	path := "/v1/chats/" + conversationID.String() + "/messages"
	req := map[string]string{"body": body, "clientToken": token}

	var msg model.Message
	op := func() error {
		_, err := c.do(ctx, http.MethodPost, path, req, &msg)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		th.Apply(reconcile.SendFailed{Token: token, Err: err})
		return nil, err
	}
	th.Apply(reconcile.SendAcknowledged{Token: token, Message: msg})
	return &msg, nil
}

func pageQuery(page, limit int) string {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
