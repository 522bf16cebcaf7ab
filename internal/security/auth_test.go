package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	resolver, err := NewTokenResolver(&cfg)
	require.NoError(t, err)
	r := gin.New()
	r.Use(AuthMiddleware(resolver))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})
	return r
}

func TestAuthMiddleware_BearerIsUserWithoutOIDC(t *testing.T) {
	r := newAuthRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alice", w.Body.String())
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	r := newAuthRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Basic YWxpY2U6eA==")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// access_token is only honoured on websocket upgrades.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami?access_token=alice", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_AccessTokenOnUpgrade(t *testing.T) {
	r := newAuthRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/whoami?access_token=bob", nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "bob", w.Body.String())
}

func TestResolve_EmptyToken(t *testing.T) {
	_, err := (&TokenResolver{}).Resolve(context.Background(), "  ")
	require.Error(t, err)
}

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD", "chat-0")
	labels, err := ParseMetricsLabels("service=chat,pod=${POD}")
	require.NoError(t, err)
	require.Equal(t, "chat", labels["service"])
	require.Equal(t, "chat-0", labels["pod"])

	_, err = ParseMetricsLabels("bad-key=x")
	require.Error(t, err)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)
}
