package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/gormstore"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/stretchr/testify/require"
	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()
	_ = sqlite.ForceImport

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "chat.db")
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestDSN(t *testing.T) {
	require.Equal(t, "file::memory:", sqlite.DSN(""))
	require.Equal(t, "file::memory:?cache=shared", sqlite.DSN("file::memory:?cache=shared"))
	require.Equal(t, "/tmp/chat.db?_journal_mode=WAL&_busy_timeout=5000", sqlite.DSN("sqlite:///tmp/chat.db"))
	require.Equal(t, "chat.db?_journal_mode=WAL&_busy_timeout=5000", sqlite.DSN("sqlite:chat.db"))
	require.Equal(t, "chat.db?_busy_timeout=100&_journal_mode=WAL", sqlite.DSN("chat.db?_busy_timeout=100"))
}

type recordingWriter struct {
	mu    sync.Mutex
	lines []string
}

func (w *recordingWriter) Printf(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func TestFirstSendsLogNothing(t *testing.T) {
	w := &recordingWriter{}
	db, err := gorm.Open(sqlitedriver.Open(sqlite.DSN(filepath.Join(t.TempDir(), "chat.db"))), &gorm.Config{
		TranslateError: true,
		Logger:         gormstore.NewLogger(w),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(sqlite.Models...))
	store := gormstore.New(db, gormstore.Options{})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	conv, created, err := store.FindOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, created)
	for i := 0; i < 5; i++ {
		res, err := store.AppendMessage(ctx, registrystore.NewMessage{
			ConversationID: conv.ID,
			AuthorID:       "alice",
			Body:           "hi",
			ClientToken:    fmt.Sprintf("alice:%d", i),
		})
		require.NoError(t, err)
		require.False(t, res.Replayed)
	}
	_, err = store.FindMessageByToken(ctx, "never-sent")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.Empty(t, w.lines)
}
