package system

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	for _, loader := range registryroute.ManagementRouteLoaders() {
		require.NoError(t, loader(router))
	}
	get := func(path string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	require.Equal(t, http.StatusOK, get("/health"))
	require.Equal(t, http.StatusServiceUnavailable, get("/ready"))

	MarkReady()
	var failing error
	AddReadinessCheck("store", func(context.Context) error { return failing })
	require.Equal(t, http.StatusOK, get("/ready"))

	failing = errors.New("connection refused")
	require.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	require.Equal(t, http.StatusOK, get("/metrics"))
}
