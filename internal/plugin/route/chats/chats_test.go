package chats

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-service/internal/testutil/testchat"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	router *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := testchat.New(t)
	router := gin.New()
	MountRoutes(router, env.Service, env.Config, env.Auth)
	return &harness{t: t, router: router}
}

func (h *harness) do(user, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (h *harness) start(a, b string) string {
	h.t.Helper()
	w, out := h.do(a, http.MethodPost, "/v1/chats/start", gin.H{"peerUserId": b})
	require.Contains(h.t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())
	return out["conversationId"].(string)
}

func TestStart(t *testing.T) {
	h := newHarness(t)

	w, out := h.do("alice", http.MethodPost, "/v1/chats/start", gin.H{"peerUserId": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, out["created"])

	w, again := h.do("bob", http.MethodPost, "/v1/chats/start", gin.H{"peerUserId": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, out["conversationId"], again["conversationId"])

	w, out = h.do("alice", http.MethodPost, "/v1/chats/start", gin.H{"peerUserId": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_operation", out["code"])

	w, out = h.do("alice", http.MethodPost, "/v1/chats/start", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "peerUserId", out["field"])

	w, _ = h.do("", http.MethodPost, "/v1/chats/start", gin.H{"peerUserId": "bob"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendAndReplay(t *testing.T) {
	h := newHarness(t)
	convID := h.start("alice", "bob")
	path := "/v1/chats/" + convID + "/messages"

	w, first := h.do("alice", http.MethodPost, path, gin.H{"body": "hi", "clientToken": "t1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "hi", first["body"])
	assert.Equal(t, "alice", first["authorId"])

	w, replay := h.do("alice", http.MethodPost, path, gin.H{"body": "hello", "clientToken": "t1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first["id"], replay["id"])
	assert.Equal(t, "hi", replay["body"])

	w, out := h.do("alice", http.MethodPost, path, gin.H{"body": "no token"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_operation", out["code"])

	w, out = h.do("mallory", http.MethodPost, path, gin.H{"body": "x", "clientToken": "m1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", out["code"])

	w, _ = h.do("alice", http.MethodPost, "/v1/chats/not-a-uuid/messages", gin.H{"body": "x", "clientToken": "t2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = h.do("alice", http.MethodPost, "/v1/chats/00000000-0000-4000-8000-000000000000/messages", gin.H{"body": "x", "clientToken": "t3"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", out["code"])
}

func TestListAndMarkRead(t *testing.T) {
	h := newHarness(t)
	convID := h.start("alice", "bob")
	path := "/v1/chats/" + convID + "/messages"

	var lastID string
	for _, token := range []string{"a1", "a2", "a3"} {
		w, msg := h.do("alice", http.MethodPost, path, gin.H{"body": "msg " + token, "clientToken": token})
		require.Equal(t, http.StatusCreated, w.Code)
		lastID = msg["id"].(string)
	}

	w, list := h.do("bob", http.MethodGet, "/v1/chats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, list["total"])
	items := list["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, convID, item["id"])
	assert.Equal(t, "alice", item["peerUserId"])
	assert.EqualValues(t, 3, item["unreadCount"])
	assert.Equal(t, "msg a3", item["lastMessage"].(map[string]any)["body"])

	w, page := h.do("bob", http.MethodGet, path+"?page=2&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, page["total"])
	assert.EqualValues(t, 2, page["page"])
	assert.EqualValues(t, 2, page["limit"])
	msgs := page["items"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg a3", msgs[0].(map[string]any)["body"])

	w, page = h.do("bob", http.MethodGet, path+"?limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 100, page["limit"])

	w, read := h.do("bob", http.MethodPatch, "/v1/chats/"+convID+"/read", gin.H{"lastReadMessageId": lastID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, read["ok"])
	assert.EqualValues(t, 0, read["unreadCount"])

	w, _ = h.do("bob", http.MethodPatch, "/v1/chats/"+convID+"/read", gin.H{"lastReadMessageId": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do("mallory", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
