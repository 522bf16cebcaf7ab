package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads CHAT_SERVICE_* environment variables that are not
// represented by dedicated CLI flags in the serve command.
func (c *Config) ApplyEnvOverrides() error {
	if c == nil {
		return nil
	}

	var err error
	if err = applyBoolEnv("CHAT_SERVICE_DB_MIGRATE_AT_START", &c.DatastoreMigrateAtStart); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_DB_MONGO_DATABASE", &c.MongoDatabase)
	if err = applyDurationEnv("CHAT_SERVICE_CACHE_TTL", &c.CacheTTL); err != nil {
		return err
	}
	if err = applyInt64Env("CHAT_SERVICE_CACHE_MAX_ENTRIES", &c.CacheMaxEntries); err != nil {
		return err
	}

	applyStringEnv("CHAT_SERVICE_BROADCAST_REDIS_URL", &c.BroadcastRedisURL)
	applyStringEnv("CHAT_SERVICE_BROADCAST_CHANNEL_PREFIX", &c.BroadcastChannelPrefix)
	if err = applyIntEnv("CHAT_SERVICE_BROADCAST_QUEUE_SIZE", &c.BroadcastQueueSize); err != nil {
		return err
	}

	if err = applyIntEnv("CHAT_SERVICE_REALTIME_SEND_BUFFER", &c.RealtimeSendBuffer); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_REALTIME_PING_INTERVAL", &c.RealtimePingInterval); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_REALTIME_PONG_WAIT", &c.RealtimePongWait); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_REALTIME_WRITE_WAIT", &c.RealtimeWriteWait); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv("CHAT_SERVICE_REALTIME_MAX_FRAME_SIZE")); raw != "" {
		size, parseErr := parseMemorySize(raw)
		if parseErr != nil {
			return fmt.Errorf("invalid CHAT_SERVICE_REALTIME_MAX_FRAME_SIZE: %w", parseErr)
		}
		c.RealtimeMaxFrameSize = size
	}

	if err = applyIntEnv("CHAT_SERVICE_PAGE_DEFAULT_LIMIT", &c.PageDefaultLimit); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_PAGE_MAX_LIMIT", &c.PageMaxLimit); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_MESSAGE_MAX_BODY_LENGTH", &c.MaxBodyLength); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_MESSAGE_MAX_CLIENT_TOKEN_LENGTH", &c.MaxClientTokenLength); err != nil {
		return err
	}

	if err = applyBoolEnv("CHAT_SERVICE_CORS_ENABLED", &c.CORSEnabled); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_CORS_ORIGINS", &c.CORSOrigins)

	if raw := strings.TrimSpace(os.Getenv("CHAT_SERVICE_MAX_BODY_SIZE")); raw != "" {
		size, parseErr := parseMemorySize(raw)
		if parseErr != nil {
			return fmt.Errorf("invalid CHAT_SERVICE_MAX_BODY_SIZE: %w", parseErr)
		}
		c.MaxBodySize = size
	}
	return nil
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyIntEnv(key string, dest *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyInt64Env(key string, dest *int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// parseDuration accepts Go durations (30s, 5m) and the PT#H#M#S subset of ISO-8601.
func parseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}
	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func parseMemorySize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "KB"), strings.HasSuffix(v, "K"):
		multiplier = 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KB"), "K")
	case strings.HasSuffix(v, "MB"), strings.HasSuffix(v, "M"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "MB"), "M")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
