package realtime

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RegisterJoinsUserRoom(t *testing.T) {
	h := NewHub(4)
	s := h.Register("alice")
	assert.True(t, h.InRoom(s, UserRoom("alice")))
	assert.Equal(t, 1, h.RoomSize(UserRoom("alice")))
	assert.Equal(t, 1, h.SessionCount())

	h.Unregister(s)
	assert.Equal(t, 0, h.RoomSize(UserRoom("alice")))
	assert.Equal(t, 0, h.SessionCount())
	_, open := <-s.Send()
	assert.False(t, open)

	// Unregistering twice is harmless.
	h.Unregister(s)
}

func TestHub_DeliverOnlyToRoomMembers(t *testing.T) {
	h := NewHub(4)
	room := ConversationRoom(uuid.New())
	a := h.Register("alice")
	b := h.Register("bob")
	h.Join(a, room)

	n := h.Deliver(room, []byte("hi"))
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("hi"), <-a.Send())
	assert.Len(t, b.Send(), 0)

	h.Leave(a, room)
	assert.Equal(t, 0, h.Deliver(room, []byte("again")))
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	h := NewHub(1)
	var dropped []string
	h.OnDrop = func(s *Session, room string) { dropped = append(dropped, s.UserID) }
	s := h.Register("slow")

	require.Equal(t, 1, h.Deliver(UserRoom("slow"), []byte("1")))
	require.Equal(t, 0, h.Deliver(UserRoom("slow"), []byte("2")))
	assert.Equal(t, int64(1), h.Dropped())
	assert.Equal(t, []string{"slow"}, dropped)
	assert.Equal(t, []byte("1"), <-s.Send())
}

func TestHub_ConcurrentDeliverAndUnregister(t *testing.T) {
	h := NewHub(8)
	room := ConversationRoom(uuid.New())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		s := h.Register("u")
		h.Join(s, room)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Deliver(room, []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			h.Unregister(s)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.RoomSize(room))
}

func TestParseConversationRoom(t *testing.T) {
	id := uuid.New()
	got, ok := ParseConversationRoom(ConversationRoom(id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParseConversationRoom(UserRoom("alice"))
	assert.False(t, ok)
	_, ok = ParseConversationRoom("conversation:not-a-uuid")
	assert.False(t, ok)
}

func TestEventEncode(t *testing.T) {
	e, err := NewEvent(EventConversationUpdated, map[string]string{"id": "c1"})
	require.NoError(t, err)
	frame, err := e.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"conversation:updated","data":{"id":"c1"}}`, string(frame))
}
