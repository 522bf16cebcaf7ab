package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/cache/redis"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRedisParticipantCache(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container tests are skipped in -short mode")
	}
	ctx := context.Background()
	c, err := redis.LoadFromURL(ctx, testredis.StartRedis(t), time.Minute)
	require.NoError(t, err)
	require.True(t, c.Available())

	convID := uuid.New()
	got, err := c.Get(ctx, convID)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, c.Set(ctx, convID, []string{"alice", "bob"}, 0))
	got, err = c.Get(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, got)

	require.NoError(t, c.Remove(ctx, convID))
	got, err = c.Get(ctx, convID)
	require.NoError(t, err)
	require.Nil(t, got)
}
