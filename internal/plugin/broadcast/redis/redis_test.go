package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/broadcast/redis"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newBroadcaster(t *testing.T, url string, hub *realtime.Hub) *redis.Broadcaster {
	t.Helper()
	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	b, err := redis.New(context.Background(), goredis.NewClient(opts), hub, "test:room:", 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBroadcaster_FansOutAcrossInstancesInOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container tests are skipped in -short mode")
	}
	url := testredis.StartRedis(t)

	hubA, hubB := realtime.NewHub(32), realtime.NewHub(32)
	pubA := newBroadcaster(t, url, hubA)
	newBroadcaster(t, url, hubB)

	room := realtime.ConversationRoom(uuid.New())
	listener := hubB.Register("bob")
	hubB.Join(listener, room)

	for i := 0; i < 5; i++ {
		ev, err := realtime.NewEvent(realtime.EventMessageNew, map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, pubA.Publish(context.Background(), room, ev))
	}

	for i := 0; i < 5; i++ {
		select {
		case frame := <-listener.Send():
			require.JSONEq(t, fmt.Sprintf(`{"type":"message:new","data":{"n":%d}}`, i), string(frame))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
