package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/broadcast/local"
	"github.com/chirino/chat-service/internal/realtime"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testchat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx   context.Context
	store registrystore.ChatStore
	hub   *realtime.Hub
	svc   *service.ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testchat.New(t)
	return &fixture{ctx: env.Ctx, store: env.Store, hub: env.Hub, svc: env.Service}
}

func (f *fixture) start(t *testing.T, a, b string) uuid.UUID {
	t.Helper()
	res, err := f.svc.Start(f.ctx, a, b)
	require.NoError(t, err)
	return res.ConversationID
}

func (f *fixture) send(t *testing.T, caller string, convID uuid.UUID, body, token string) *service.SendResult {
	t.Helper()
	res, err := f.svc.Send(f.ctx, service.SendRequest{CallerID: caller, ConversationID: convID, Body: body, ClientToken: token})
	require.NoError(t, err)
	return res
}

func (f *fixture) unread(t *testing.T, convID uuid.UUID, user string) int64 {
	t.Helper()
	p, err := f.store.GetParticipant(f.ctx, convID, user)
	require.NoError(t, err)
	return p.UnreadCount
}

func drain(s *realtime.Session) []realtime.Event {
	var out []realtime.Event
	for {
		select {
		case frame := <-s.Send():
			var ev realtime.Event
			if err := json.Unmarshal(frame, &ev); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func eventTypes(events []realtime.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestStart_RejectsSelfAndBlockedPairs(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start(f.ctx, "alice", "alice")
	var invalid *registrystore.InvalidOperationError
	require.True(t, errors.As(err, &invalid), "got %v", err)

	require.NoError(t, f.svc.Block(f.ctx, "bob", "alice"))
	_, err = f.svc.Start(f.ctx, "alice", "bob")
	var forbidden *registrystore.ForbiddenError
	require.True(t, errors.As(err, &forbidden), "got %v", err)
	_, err = f.svc.Start(f.ctx, "bob", "alice")
	require.True(t, errors.As(err, &forbidden), "got %v", err)

	page, err := f.svc.ListConversations(f.ctx, "alice", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Total)

	require.NoError(t, f.svc.Unblock(f.ctx, "bob", "alice"))
	res, err := f.svc.Start(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestStart_NotifiesBothUsersOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.hub.Register("alice")
	bob := f.hub.Register("bob")

	first, err := f.svc.Start(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, first.Created)
	second, err := f.svc.Start(f.ctx, "bob", "alice")
	require.NoError(t, err)
	require.False(t, second.Created)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	assert.Equal(t, []string{realtime.EventConversationUpdated}, eventTypes(drain(alice)))
	assert.Equal(t, []string{realtime.EventConversationUpdated}, eventTypes(drain(bob)))
}

func TestStart_ConcurrentCallsReturnSameConversation(t *testing.T) {
	f := newFixture(t)

	const workers = 10
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, peer := "alice", "bob"
			if i%2 == 0 {
				caller, peer = peer, caller
			}
			res, err := f.svc.Start(f.ctx, caller, peer)
			if assert.NoError(t, err) {
				ids[i] = res.ConversationID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	for _, user := range []string{"alice", "bob"} {
		page, err := f.svc.ListConversations(f.ctx, user, 1, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(1), page.Total)
	}
}

func TestSend_RetryWithSameTokenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")
	bob := f.hub.Register("bob")
	f.hub.Join(bob, realtime.ConversationRoom(convID))
	drain(bob)

	// A sends "hi" with token t1; B's counter becomes 1.
	first := f.send(t, "alice", convID, "hi", "t1")
	require.False(t, first.Replayed)
	assert.Equal(t, int64(1), f.unread(t, convID, "bob"))
	assert.ElementsMatch(t, []string{realtime.EventMessageNew, realtime.EventConversationUpdated}, eventTypes(drain(bob)))

	// B marks it read; the counter drops to 0.
	p, err := f.svc.MarkRead(f.ctx, "bob", convID, first.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.UnreadCount)

	// A retries t1 with stale input; the original message comes back untouched.
	retry := f.send(t, "alice", convID, "hello", "t1")
	assert.True(t, retry.Replayed)
	assert.Equal(t, first.Message.ID, retry.Message.ID)
	assert.Equal(t, "hi", retry.Message.Body)
	assert.Equal(t, int64(0), f.unread(t, convID, "bob"))
	assert.Empty(t, drain(bob), "a replay must not publish again")

	page, err := f.svc.ListMessages(f.ctx, "bob", convID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestSend_RetryWithEmptiedBodyReplaysOriginal(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")
	first := f.send(t, "alice", convID, "hi", "t1")

	for _, body := range []string{"", "   ", strings.Repeat("x", service.DefaultOptions().MaxBodyLength+1)} {
		res, err := f.svc.Send(f.ctx, service.SendRequest{CallerID: "alice", ConversationID: convID, Body: body, ClientToken: "t1"})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, first.Message.ID, res.Message.ID)
		assert.Equal(t, "hi", res.Message.Body)
	}
	assert.Equal(t, int64(1), f.unread(t, convID, "bob"))

	// A bound token still cannot be reused from another conversation.
	other := f.start(t, "alice", "carol")
	_, err := f.svc.Send(f.ctx, service.SendRequest{CallerID: "alice", ConversationID: other, Body: "", ClientToken: "t1"})
	require.Error(t, err)
	assert.True(t, isInvalid(err), "unexpected error %v", err)
}

func TestSend_ConcurrentRetriesCreateOneMessage(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")

	const workers = 12
	results := make([]*service.SendResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Send(f.ctx, service.SendRequest{CallerID: "alice", ConversationID: convID, Body: "once", ClientToken: "alice:1:race"})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Message.ID, r.Message.ID)
		if !r.Replayed {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), f.unread(t, convID, "bob"))
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")

	cases := []struct {
		name  string
		req   service.SendRequest
		check func(error) bool
	}{
		{"missing token", service.SendRequest{CallerID: "alice", ConversationID: convID, Body: "x"}, isInvalid},
		{"control chars in token", service.SendRequest{CallerID: "alice", ConversationID: convID, Body: "x", ClientToken: "a\nb"}, isInvalid},
		{"oversized token", service.SendRequest{CallerID: "alice", ConversationID: convID, Body: "x", ClientToken: string(make([]byte, 201))}, isInvalid},
		{"empty body", service.SendRequest{CallerID: "alice", ConversationID: convID, Body: "  ", ClientToken: "t"}, isInvalid},
		{"unknown conversation", service.SendRequest{CallerID: "alice", ConversationID: uuid.New(), Body: "x", ClientToken: "t"}, isNotFound},
		{"non participant", service.SendRequest{CallerID: "mallory", ConversationID: convID, Body: "x", ClientToken: "t"}, isForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(f.ctx, tc.req)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error %v", err)
		})
	}

	attachment := "https://cdn.example.com/cat.png"
	mime := "image/png"
	res, err := f.svc.Send(f.ctx, service.SendRequest{CallerID: "alice", ConversationID: convID, ClientToken: "pic", AttachmentURL: &attachment, MimeType: &mime})
	require.NoError(t, err)
	require.NotNil(t, res.Message.AttachmentURL)
	assert.Equal(t, attachment, *res.Message.AttachmentURL)
}

func TestUnreadCounterTracksSendsAndReads(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")

	var last *service.SendResult
	for i := 0; i < 3; i++ {
		last = f.send(t, "alice", convID, fmt.Sprintf("a%d", i), fmt.Sprintf("a-%d", i))
	}
	f.send(t, "bob", convID, "b0", "b-0")
	assert.Equal(t, int64(3), f.unread(t, convID, "bob"))
	assert.Equal(t, int64(1), f.unread(t, convID, "alice"))

	p, err := f.svc.MarkRead(f.ctx, "bob", convID, last.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.UnreadCount)

	more := f.send(t, "alice", convID, "a3", "a-3")
	assert.Equal(t, int64(1), f.unread(t, convID, "bob"))

	p, err = f.svc.MarkRead(f.ctx, "bob", convID, more.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.UnreadCount)

	// Read pointers cannot be planted from another conversation.
	other := f.start(t, "bob", "carol")
	foreign := f.send(t, "carol", other, "hey", "c-0")
	_, err = f.svc.MarkRead(f.ctx, "bob", convID, foreign.Message.ID)
	assert.True(t, isNotFound(err), "got %v", err)
}

func TestListMessagesIsOldestFirstAcrossPages(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 7; i++ {
				_, err := f.svc.Send(f.ctx, service.SendRequest{CallerID: user, ConversationID: convID, Body: "m", ClientToken: fmt.Sprintf("%s-%d", user, i)})
				assert.NoError(t, err)
			}
		}(user)
	}
	wg.Wait()

	var all []time.Time
	for page := 1; ; page++ {
		res, err := f.svc.ListMessages(f.ctx, "alice", convID, page, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(14), res.Total)
		if len(res.Items) == 0 {
			break
		}
		for _, m := range res.Items {
			all = append(all, m.CreatedAt)
		}
	}
	require.Len(t, all, 14)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Before(all[i-1]), "message %d is older than its predecessor", i)
	}

	_, err := f.svc.ListMessages(f.ctx, "mallory", convID, 1, 4)
	assert.True(t, isForbidden(err), "got %v", err)
}

func TestListConversationsShowsPeerAndPreview(t *testing.T) {
	f := newFixture(t)
	withBob := f.start(t, "alice", "bob")
	withCarol := f.start(t, "alice", "carol")
	f.send(t, "bob", withBob, "ping", "b-1")

	page, err := f.svc.ListConversations(f.ctx, "alice", 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, withBob, page.Items[0].ID)
	assert.Equal(t, "bob", page.Items[0].PeerUserID)
	assert.Equal(t, int64(1), page.Items[0].UnreadCount)
	require.NotNil(t, page.Items[0].LastMessage)
	assert.Equal(t, "ping", page.Items[0].LastMessage.Body)
	assert.Equal(t, withCarol, page.Items[1].ID)
	assert.Nil(t, page.Items[1].LastMessage)
}

func TestParticipantLookupOutlivesCancelledCaller(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")

	// No cache, so every check reaches the shared store lookup.
	svc := service.NewConversationService(f.store, nil, local.New(f.hub), service.DefaultOptions())
	cancelled, cancel := context.WithCancel(f.ctx)
	cancel()
	require.NoError(t, svc.CanJoin(cancelled, "alice", convID))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := f.ctx
			if i%2 == 0 {
				ctx = cancelled
			}
			errs[i] = svc.CanJoin(ctx, "bob", convID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCanJoin(t *testing.T) {
	f := newFixture(t)
	convID := f.start(t, "alice", "bob")
	require.NoError(t, f.svc.CanJoin(f.ctx, "bob", convID))
	assert.True(t, isForbidden(f.svc.CanJoin(f.ctx, "mallory", convID)))
	assert.True(t, isNotFound(f.svc.CanJoin(f.ctx, "bob", uuid.New())))
}

func TestBlock_Validation(t *testing.T) {
	f := newFixture(t)
	assert.True(t, isInvalid(f.svc.Block(f.ctx, "alice", "alice")))
	var validation *registrystore.ValidationError
	assert.True(t, errors.As(f.svc.Block(f.ctx, "alice", " "), &validation))

	require.NoError(t, f.svc.Block(f.ctx, "alice", "bob"))
	blocks, err := f.svc.ListBlocked(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "bob", blocks[0].BlockedID)
}

func isInvalid(err error) bool {
	var e *registrystore.InvalidOperationError
	return errors.As(err, &e)
}

func isNotFound(err error) bool {
	var e *registrystore.NotFoundError
	return errors.As(err, &e)
}

func isForbidden(err error) bool {
	var e *registrystore.ForbiddenError
	return errors.As(err, &e)
}
