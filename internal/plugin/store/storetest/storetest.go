// Package storetest holds behaviour tests shared by every ChatStore plugin.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) (registrystore.ChatStore, context.Context)

// Run executes the shared store behaviour tests against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("FindOrCreateIsOrderIndependent", func(t *testing.T) { testFindOrCreate(t, newStore) })
	t.Run("ConcurrentFindOrCreate", func(t *testing.T) { testConcurrentFindOrCreate(t, newStore) })
	t.Run("AppendAssignsSeqAndUnread", func(t *testing.T) { testAppend(t, newStore) })
	t.Run("AppendReplaysClientToken", func(t *testing.T) { testReplay(t, newStore) })
	t.Run("AppendRejectsForeignToken", func(t *testing.T) { testForeignToken(t, newStore) })
	t.Run("AppendAuthorization", func(t *testing.T) { testAppendAuthorization(t, newStore) })
	t.Run("ConcurrentAppendSameToken", func(t *testing.T) { testConcurrentSameToken(t, newStore) })
	t.Run("ConcurrentAppendOrdering", func(t *testing.T) { testConcurrentOrdering(t, newStore) })
	t.Run("MarkRead", func(t *testing.T) { testMarkRead(t, newStore) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, newStore) })
	t.Run("Blocks", func(t *testing.T) { testBlocks(t, newStore) })
}

func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func send(t *testing.T, ctx context.Context, s registrystore.ChatStore, convID uuid.UUID, author, body string) model.Message {
	t.Helper()
	res, err := s.AppendMessage(ctx, registrystore.NewMessage{
		ConversationID: convID,
		AuthorID:       author,
		Body:           body,
		ClientToken:    fmt.Sprintf("%s:%d:%s", author, time.Now().UnixMilli(), uuid.NewString()),
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	return res.Message
}

func unreadOf(t *testing.T, ctx context.Context, s registrystore.ChatStore, convID uuid.UUID, user string) int64 {
	t.Helper()
	p, err := s.GetParticipant(ctx, convID, user)
	require.NoError(t, err)
	return p.UnreadCount
}

func testFindOrCreate(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")

	conv, created, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.FindOrCreateDirectConversation(ctx, b, a)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	participants, err := s.GetParticipants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	users := []string{participants[0].UserID, participants[1].UserID}
	assert.ElementsMatch(t, []string{a, b}, users)
	for _, p := range participants {
		assert.Equal(t, int64(0), p.UnreadCount)
		assert.Nil(t, p.LastReadMessageID)
	}

	_, err = s.GetConversation(ctx, uuid.New())
	var nf *registrystore.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func testConcurrentFindOrCreate(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")

	const workers = 8
	ids := make([]uuid.UUID, workers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			conv, created, err := s.FindOrCreateDirectConversation(ctx, x, y)
			assert.NoError(t, err)
			if conv != nil {
				ids[i] = conv.ID
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	views, total, err := s.ListConversations(ctx, a, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, views, 1)
}

func testAppend(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")
	conv, _, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)

	m1 := send(t, ctx, s, conv.ID, a, "hi")
	m2 := send(t, ctx, s, conv.ID, b, "hello")
	m3 := send(t, ctx, s, conv.ID, a, "how are you?")

	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, int64(3), m3.Seq)
	assert.True(t, m2.CreatedAt.After(m1.CreatedAt))
	assert.True(t, m3.CreatedAt.After(m2.CreatedAt))

	assert.Equal(t, int64(1), unreadOf(t, ctx, s, conv.ID, a))
	assert.Equal(t, int64(2), unreadOf(t, ctx, s, conv.ID, b))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, m3.ID, *got.LastMessageID)

	msgs, total, err := s.ListMessages(ctx, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"hi", "hello", "how are you?"}, []string{msgs[0].Body, msgs[1].Body, msgs[2].Body})

	page, total, err := s.ListMessages(ctx, conv.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, m2.ID, page[0].ID)
}

func testReplay(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")
	conv, _, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)

	in := registrystore.NewMessage{ConversationID: conv.ID, AuthorID: a, Body: "once", ClientToken: "tok-" + uuid.NewString()}
	first, err := s.AppendMessage(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	in.Body = "a retry with different text"
	second, err := s.AppendMessage(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, "once", second.Message.Body)

	_, total, err := s.ListMessages(ctx, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), unreadOf(t, ctx, s, conv.ID, b))

	byToken, err := s.FindMessageByToken(ctx, in.ClientToken)
	require.NoError(t, err)
	assert.Equal(t, first.Message.ID, byToken.ID)
}

func testForeignToken(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a := uniq("alice")
	c1, _, err := s.FindOrCreateDirectConversation(ctx, a, uniq("bob"))
	require.NoError(t, err)
	c2, _, err := s.FindOrCreateDirectConversation(ctx, a, uniq("carol"))
	require.NoError(t, err)

	token := "tok-" + uuid.NewString()
	_, err = s.AppendMessage(ctx, registrystore.NewMessage{ConversationID: c1.ID, AuthorID: a, Body: "x", ClientToken: token})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, registrystore.NewMessage{ConversationID: c2.ID, AuthorID: a, Body: "x", ClientToken: token})
	var invalid *registrystore.InvalidOperationError
	require.True(t, errors.As(err, &invalid), "got %v", err)

	_, total, err := s.ListMessages(ctx, c2.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func testAppendAuthorization(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")
	conv, _, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, registrystore.NewMessage{ConversationID: conv.ID, AuthorID: uniq("mallory"), Body: "x", ClientToken: uuid.NewString()})
	var forbidden *registrystore.ForbiddenError
	assert.True(t, errors.As(err, &forbidden), "got %v", err)

	_, err = s.AppendMessage(ctx, registrystore.NewMessage{ConversationID: uuid.New(), AuthorID: a, Body: "x", ClientToken: uuid.NewString()})
	var nf *registrystore.NotFoundError
	assert.True(t, errors.As(err, &nf), "got %v", err)
}

func testConcurrentSameToken(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")
	conv, _, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)

	token := "tok-" + uuid.NewString()
	const workers = 8
	results := make([]*registrystore.AppendResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.AppendMessage(ctx, registrystore.NewMessage{ConversationID: conv.ID, AuthorID: a, Body: "dup", ClientToken: token})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Message.ID, r.Message.ID)
		if !r.Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	_, total, err := s.ListMessages(ctx, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), unreadOf(t, ctx, s, conv.ID, b))
}

func testConcurrentOrdering(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")
	conv, _, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)

	const perUser = 10
	var wg sync.WaitGroup
	for _, user := range []string{a, b} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				_, err := s.AppendMessage(ctx, registrystore.NewMessage{
					ConversationID: conv.ID, AuthorID: user, Body: fmt.Sprintf("%s-%d", user, i), ClientToken: uuid.NewString(),
				})
				assert.NoError(t, err)
			}
		}(user)
	}
	wg.Wait()

	msgs, total, err := s.ListMessages(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2*perUser), total)
	for i := 1; i < len(msgs); i++ {
		assert.Equal(t, msgs[i-1].Seq+1, msgs[i].Seq)
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "message %d is older than its predecessor", i)
	}
	assert.Equal(t, int64(perUser), unreadOf(t, ctx, s, conv.ID, a))
	assert.Equal(t, int64(perUser), unreadOf(t, ctx, s, conv.ID, b))
}

func testMarkRead(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")
	conv, _, err := s.FindOrCreateDirectConversation(ctx, a, b)
	require.NoError(t, err)

	m1 := send(t, ctx, s, conv.ID, a, "one")
	send(t, ctx, s, conv.ID, a, "two")
	m3 := send(t, ctx, s, conv.ID, a, "three")
	require.Equal(t, int64(3), unreadOf(t, ctx, s, conv.ID, b))

	p, err := s.MarkRead(ctx, conv.ID, b, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.UnreadCount)
	require.NotNil(t, p.LastReadAt)

	p, err = s.MarkRead(ctx, conv.ID, b, m3.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.UnreadCount)
	require.NotNil(t, p.LastReadMessageID)
	assert.Equal(t, m3.ID, *p.LastReadMessageID)

	// Moving the pointer backwards keeps the newer read position.
	p, err = s.MarkRead(ctx, conv.ID, b, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.UnreadCount)
	assert.Equal(t, m3.ID, *p.LastReadMessageID)
	assert.Equal(t, int64(0), unreadOf(t, ctx, s, conv.ID, b))

	// Own messages never count as unread.
	p, err = s.MarkRead(ctx, conv.ID, a, m3.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.UnreadCount)

	other, _, err := s.FindOrCreateDirectConversation(ctx, b, uniq("carol"))
	require.NoError(t, err)
	foreign := send(t, ctx, s, other.ID, b, "elsewhere")
	_, err = s.MarkRead(ctx, conv.ID, b, foreign.ID)
	var nf *registrystore.NotFoundError
	assert.True(t, errors.As(err, &nf), "got %v", err)

	_, err = s.MarkRead(ctx, conv.ID, uniq("mallory"), m3.ID)
	var forbidden *registrystore.ForbiddenError
	assert.True(t, errors.As(err, &forbidden), "got %v", err)
}

func testListConversations(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	me := uniq("me")
	quiet, _, err := s.FindOrCreateDirectConversation(ctx, me, uniq("quiet"))
	require.NoError(t, err)
	older, _, err := s.FindOrCreateDirectConversation(ctx, me, uniq("older"))
	require.NoError(t, err)
	newer, _, err := s.FindOrCreateDirectConversation(ctx, me, uniq("newer"))
	require.NoError(t, err)

	send(t, ctx, s, older.ID, me, "first")
	time.Sleep(2 * time.Millisecond)
	last := send(t, ctx, s, newer.ID, me, "second")

	views, total, err := s.ListConversations(ctx, me, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, views, 3)
	assert.Equal(t, newer.ID, views[0].ID)
	assert.Equal(t, older.ID, views[1].ID)
	assert.Equal(t, quiet.ID, views[2].ID)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, last.ID, views[0].LastMessage.ID)
	assert.Nil(t, views[2].LastMessage)
	for _, v := range views {
		assert.NotEmpty(t, v.PeerUserID)
		assert.NotEqual(t, me, v.PeerUserID)
	}

	page, total, err := s.ListConversations(ctx, me, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)

	empty, total, err := s.ListConversations(ctx, uniq("nobody"), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, empty)
}

func testBlocks(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	a, b := uniq("alice"), uniq("bob")

	blocked, err := s.IsBlockedEither(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.Block(ctx, a, b))
	require.NoError(t, s.Block(ctx, a, b))

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		blocked, err = s.IsBlockedEither(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, blocked)
	}

	list, err := s.ListBlocked(ctx, a)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].BlockedID)

	require.NoError(t, s.Unblock(ctx, a, b))
	blocked, err = s.IsBlockedEither(ctx, b, a)
	require.NoError(t, err)
	assert.False(t, blocked)
}
