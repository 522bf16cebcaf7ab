package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ParticipantCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURL creates a ParticipantCache from a redis:// URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ParticipantCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisParticipantCache{client: client, ttl: ttl}, nil
}

type redisParticipantCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func participantsKey(convID uuid.UUID) string {
	return "chat-participants:" + convID.String()
}

func (c *redisParticipantCache) Available() bool {
	return true
}

func (c *redisParticipantCache) Get(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	data, err := c.client.Get(ctx, participantsKey(conversationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var userIDs []string
	if err := json.Unmarshal(data, &userIDs); err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (c *redisParticipantCache) Set(ctx context.Context, conversationID uuid.UUID, userIDs []string, ttl time.Duration) error {
	data, err := json.Marshal(userIDs)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, participantsKey(conversationID), data, ttl).Err()
}

func (c *redisParticipantCache) Remove(ctx context.Context, conversationID uuid.UUID) error {
	return c.client.Del(ctx, participantsKey(conversationID)).Err()
}

var _ registrycache.ParticipantCache = (*redisParticipantCache)(nil)
