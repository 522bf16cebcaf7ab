package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/mongo"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
)

func TestMongoStore(t *testing.T) {
	if testing.Short() {
		t.Skip("mongo container tests are skipped in -short mode")
	}
	_ = mongo.ForceImport

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = testmongo.StartMongo(t)
	cfg.MongoDatabase = "chat_test"
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		return store, ctx
	})
}
