package postgres_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/postgres"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	_ = postgres.ForceImport

	dbURL := testpg.StartPostgres(t)
	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	// The schema is idempotent.
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Every subtest uses fresh user ids so they can share one database.
	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		return store, ctx
	})
}
