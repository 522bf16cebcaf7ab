package bdd

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/chirino/chat-service/internal/cmd/serve"
	"github.com/chirino/chat-service/internal/config"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	cfg.Mode = config.ModeTesting
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	ctx := config.WithContext(context.Background(), cfg)

	srv, err := serve.StartServer(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return fmt.Sprintf("http://localhost:%d", srv.Running.Port)
}

func TestFeatures(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = dbPath
	cfg.CacheType = "memory"
	apiURL := startServer(t, &cfg)

	RunFeatures(t, apiURL, &SQLiteTestDB{Path: dbPath}, nil)
}
