package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testchat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*testchat.Env, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := testchat.New(t)
	router := gin.New()
	MountRoutes(router, env.Hub, env.Service, env.Config, env.Auth)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return env, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
}

func dial(t *testing.T, wsURL, user string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+user, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) realtime.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev realtime.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestRealtime_RequiresAuth(t *testing.T) {
	_, wsURL := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRealtime_JoinReceiveLeave(t *testing.T) {
	env, wsURL := newServer(t)
	start, err := env.Service.Start(env.Ctx, "alice", "bob")
	require.NoError(t, err)
	convID := start.ConversationID

	bob := dial(t, wsURL, "bob")
	require.NoError(t, bob.WriteJSON(realtime.ClientFrame{Type: realtime.FrameJoin, ConversationID: convID.String()}))
	ev := next(t, bob)
	require.Equal(t, realtime.EventJoined, ev.Type)

	_, err = env.Service.Send(env.Ctx, service.SendRequest{CallerID: "alice", ConversationID: convID, Body: "hi", ClientToken: "t1"})
	require.NoError(t, err)

	seen := map[string]json.RawMessage{}
	for len(seen) < 2 {
		ev := next(t, bob)
		seen[ev.Type] = ev.Data
	}
	var msg realtime.MessageNew
	require.NoError(t, json.Unmarshal(seen[realtime.EventMessageNew], &msg))
	require.Equal(t, "hi", msg.Message.Body)
	require.Equal(t, convID, msg.ConversationID)
	var updated realtime.ConversationUpdated
	require.NoError(t, json.Unmarshal(seen[realtime.EventConversationUpdated], &updated))
	require.Equal(t, convID, updated.ID)
	require.NotNil(t, updated.LastMessage)

	require.NoError(t, bob.WriteJSON(realtime.ClientFrame{Type: realtime.FrameLeave, ConversationID: convID.String()}))
	require.Equal(t, realtime.EventLeft, next(t, bob).Type)
	require.Eventually(t, func() bool {
		return env.Hub.RoomSize(realtime.ConversationRoom(convID)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRealtime_JoinRejectsOutsiders(t *testing.T) {
	env, wsURL := newServer(t)
	start, err := env.Service.Start(env.Ctx, "alice", "bob")
	require.NoError(t, err)

	mallory := dial(t, wsURL, "mallory")
	require.NoError(t, mallory.WriteJSON(realtime.ClientFrame{Type: realtime.FrameJoin, ConversationID: start.ConversationID.String()}))
	ev := next(t, mallory)
	require.Equal(t, realtime.EventError, ev.Type)
	var payload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.Equal(t, "forbidden", payload.Code)

	require.NoError(t, mallory.WriteJSON(realtime.ClientFrame{Type: realtime.FrameJoin, ConversationID: uuid.NewString()}))
	ev = next(t, mallory)
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.Equal(t, "not_found", payload.Code)

	require.NoError(t, mallory.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev = next(t, mallory)
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.Equal(t, "invalid_frame", payload.Code)
}

func TestRealtime_UnregistersOnDisconnect(t *testing.T) {
	env, wsURL := newServer(t)
	conn := dial(t, wsURL, "carol")
	require.Eventually(t, func() bool { return env.Hub.SessionCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.Hub.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	env := testchat.New(t)
	cfg := *env.Config
	cfg.Mode = "prod"
	check := originChecker(&cfg)

	req := httptest.NewRequest(http.MethodGet, "http://chat.example.com/v1/realtime", nil)
	require.True(t, check(req))
	req.Header.Set("Origin", "http://chat.example.com")
	require.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example.com")
	require.False(t, check(req))

	cfg.CORSEnabled = true
	cfg.CORSOrigins = "http://evil.example.com"
	require.True(t, originChecker(&cfg)(req))

	// Testing mode only widens the origin check.
	cfg.CORSEnabled = false
	cfg.Mode = config.ModeTesting
	req.Header.Set("Origin", "http://anything.test")
	require.True(t, originChecker(&cfg)(req))
}
