package chatclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/route/blocks"
	"github.com/chirino/chat-service/internal/plugin/route/chats"
	routerealtime "github.com/chirino/chat-service/internal/plugin/route/realtime"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/reconcile"
	"github.com/chirino/chat-service/internal/testutil/testchat"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*testchat.Env, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := testchat.New(t)
	router := gin.New()
	auth := env.Auth
	chats.MountRoutes(router, env.Service, env.Config, auth)
	blocks.MountRoutes(router, env.Service, auth)
	routerealtime.MountRoutes(router, env.Hub, env.Service, env.Config, auth)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return env, srv.URL
}

func TestNewClientToken(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	a := NewClientToken("alice", now)
	b := NewClientToken("alice", now)
	assert.True(t, strings.HasPrefix(a, "alice:1700000000123:"))
	assert.NotEqual(t, a, b)
}

func TestClient_SendReconcilesWithBroadcast(t *testing.T) {
	_, baseURL := newServer(t)
	ctx := context.Background()
	alice := New(baseURL, "alice", "alice")
	bob := New(baseURL, "bob", "bob")

	started, err := alice.Start(ctx, "bob")
	require.NoError(t, err)
	require.True(t, started.Created)
	convID := started.ConversationID

	// Alice watches her own thread so the echo of her send races the ack.
	conn, err := alice.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Join(convID))
	waitFor(t, conn, realtime.EventJoined)

	msg, err := alice.Send(ctx, convID, "hi")
	require.NoError(t, err)
	waitFor(t, conn, realtime.EventMessageNew)

	entries := alice.Thread(convID).Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, reconcile.StatusConfirmed, entries[0].Status)
	assert.Equal(t, msg.ID, entries[0].Message.ID)

	// Fetching the page again must not duplicate the message.
	_, err = alice.ListMessages(ctx, convID, 1, 20)
	require.NoError(t, err)
	require.Len(t, alice.Thread(convID).Messages(), 1)

	list, err := bob.ListConversations(ctx, 1, 20)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.EqualValues(t, 1, list.Items[0].UnreadCount)

	unread, err := bob.MarkRead(ctx, convID, msg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread)
}

func TestClient_APIErrorsAreNotRetried(t *testing.T) {
	_, baseURL := newServer(t)
	ctx := context.Background()
	alice := New(baseURL, "alice", "alice")
	started, err := alice.Start(ctx, "bob")
	require.NoError(t, err)

	mallory := New(baseURL, "mallory", "mallory")
	_, err = mallory.Send(ctx, started.ConversationID, "let me in")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "forbidden", apiErr.Code)

	pending := mallory.Thread(started.ConversationID).Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reconcile.StatusFailed, pending[0].Status)
}

func TestClient_RetriesReuseTheClientToken(t *testing.T) {
	env, baseURL := newServer(t)
	ctx := context.Background()
	started, err := env.Service.Start(env.Ctx, "alice", "bob")
	require.NoError(t, err)

	// The first attempt reaches the server but its response is lost.
	var calls atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), r.Method, baseURL+r.URL.RequestURI(), r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
	}))
	defer proxy.Close()

	alice := New(proxy.URL, "alice", "alice", WithMaxRetries(2))
	msg, err := alice.Send(ctx, started.ConversationID, "once")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	page, err := env.Service.ListMessages(env.Ctx, "alice", started.ConversationID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, msg.ID, page.Items[0].ID)

	p, err := env.Store.GetParticipant(env.Ctx, started.ConversationID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.UnreadCount)
	require.Len(t, alice.Thread(started.ConversationID).Messages(), 1)
}

func waitFor(t *testing.T, conn *Conn, eventType string) realtime.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			require.True(t, ok, "connection closed while waiting for %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}
