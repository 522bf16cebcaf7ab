package blocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-service/internal/testutil/testchat"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestBlockRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := testchat.New(t)
	router := gin.New()
	MountRoutes(router, env.Service, env.Auth)

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer alice")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusNoContent, do(http.MethodPut, "/v1/blocks/bob").Code)
	require.Equal(t, http.StatusNoContent, do(http.MethodPut, "/v1/blocks/bob").Code)
	require.Equal(t, http.StatusUnprocessableEntity, do(http.MethodPut, "/v1/blocks/alice").Code)

	w := do(http.MethodGet, "/v1/blocks")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Items []struct {
			BlockedID string `json:"blockedId"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Items, 1)
	require.Equal(t, "bob", out.Items[0].BlockedID)

	_, err := env.Service.Start(env.Ctx, "bob", "alice")
	require.Error(t, err)

	require.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/v1/blocks/bob").Code)
	_, err = env.Service.Start(env.Ctx, "bob", "alice")
	require.NoError(t, err)
}
