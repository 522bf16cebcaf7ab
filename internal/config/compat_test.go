package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_SERVICE_DB_MIGRATE_AT_START", "false")
	t.Setenv("CHAT_SERVICE_CACHE_TTL", "PT2M")
	t.Setenv("CHAT_SERVICE_REALTIME_SEND_BUFFER", "16")
	t.Setenv("CHAT_SERVICE_REALTIME_PING_INTERVAL", "5s")
	t.Setenv("CHAT_SERVICE_REALTIME_MAX_FRAME_SIZE", "8K")
	t.Setenv("CHAT_SERVICE_PAGE_MAX_LIMIT", "50")
	t.Setenv("CHAT_SERVICE_CORS_ENABLED", "true")
	t.Setenv("CHAT_SERVICE_BROADCAST_CHANNEL_PREFIX", "dm:")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())

	require.False(t, cfg.DatastoreMigrateAtStart)
	require.Equal(t, 2*time.Minute, cfg.CacheTTL)
	require.Equal(t, 16, cfg.RealtimeSendBuffer)
	require.Equal(t, 5*time.Second, cfg.RealtimePingInterval)
	require.Equal(t, int64(8*1024), cfg.RealtimeMaxFrameSize)
	require.Equal(t, 50, cfg.PageMaxLimit)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, "dm:", cfg.BroadcastChannelPrefix)
}

func TestApplyEnvOverrides_RejectsBadValues(t *testing.T) {
	t.Setenv("CHAT_SERVICE_REALTIME_SEND_BUFFER", "lots")

	cfg := DefaultConfig()
	err := cfg.ApplyEnvOverrides()
	require.ErrorContains(t, err, "CHAT_SERVICE_REALTIME_SEND_BUFFER")
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("P1D")
	require.Error(t, err)
}
