package bdd

import (
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/testutil/testpg"
	"github.com/chirino/chat-service/internal/testutil/testredis"
)

func TestFeaturesPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container backed features in short mode")
	}
	dbURL := testpg.StartPostgres(t)
	redisURL := testredis.StartRedis(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "postgres"
	cfg.DBURL = dbURL
	cfg.CacheType = "redis"
	cfg.RedisURL = redisURL
	cfg.BroadcastType = "redis"
	apiURL := startServer(t, &cfg)

	RunFeatures(t, apiURL, &PostgresTestDB{DBURL: dbURL}, nil)
}
