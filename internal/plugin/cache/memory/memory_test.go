package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/cache/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryParticipantCache(t *testing.T) {
	ctx := context.Background()
	c, err := memory.New(100, time.Minute)
	require.NoError(t, err)
	require.True(t, c.Available())

	convID := uuid.New()
	got, err := c.Get(ctx, convID)
	require.NoError(t, err)
	require.Nil(t, got)

	users := []string{"alice", "bob"}
	require.NoError(t, c.Set(ctx, convID, users, 0))
	users[0] = "mutated"

	got, err = c.Get(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, got)

	require.NoError(t, c.Remove(ctx, convID))
	got, err = c.Get(ctx, convID)
	require.NoError(t, err)
	require.Nil(t, got)
}
