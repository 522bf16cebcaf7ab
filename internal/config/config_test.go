package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampPage(t *testing.T) {
	cfg := DefaultConfig()

	page, limit := cfg.ClampPage(0, 0)
	require.Equal(t, 1, page)
	require.Equal(t, 20, limit)

	page, limit = cfg.ClampPage(-3, 5000)
	require.Equal(t, 1, page)
	require.Equal(t, 100, limit)

	page, limit = cfg.ClampPage(4, 7)
	require.Equal(t, 4, page)
	require.Equal(t, 7, limit)
}

func TestResolvedBroadcastRedisURL_FallsBackToCacheURL(t *testing.T) {
	cfg := Config{RedisURL: "redis://cache:6379"}
	require.Equal(t, "redis://cache:6379", cfg.ResolvedBroadcastRedisURL())

	cfg.BroadcastRedisURL = "redis://bus:6379"
	require.Equal(t, "redis://bus:6379", cfg.ResolvedBroadcastRedisURL())
}
