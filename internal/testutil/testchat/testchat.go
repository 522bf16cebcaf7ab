// Package testchat builds a conversation service over a throwaway sqlite
// database for handler and client tests.
package testchat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/broadcast/local"
	"github.com/chirino/chat-service/internal/plugin/cache/memory"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	"github.com/chirino/chat-service/internal/realtime"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// Env is a wired service plus the pieces tests poke at directly.
type Env struct {
	Ctx     context.Context
	Config  *config.Config
	Store   registrystore.ChatStore
	Hub     *realtime.Hub
	Service *service.ConversationService
	Auth    gin.HandlerFunc
}

// New returns an Env whose store is closed when the test ends.
func New(t testing.TB) *Env {
	t.Helper()
	_ = sqlite.ForceImport

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "chat.db")
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := memory.New(1000, time.Minute)
	require.NoError(t, err)

	hub := realtime.NewHub(cfg.RealtimeSendBuffer)
	svc := service.NewConversationService(store, cache, local.New(hub), service.Options{
		MaxBodyLength:        cfg.MaxBodyLength,
		MaxClientTokenLength: cfg.MaxClientTokenLength,
		CacheTTL:             cfg.CacheTTL,
	})
	resolver, err := security.NewTokenResolver(&cfg)
	require.NoError(t, err)
	return &Env{Ctx: ctx, Config: &cfg, Store: store, Hub: hub, Service: svc, Auth: security.AuthMiddleware(resolver)}
}
