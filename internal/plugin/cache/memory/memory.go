// Package memory registers an in-process participant cache backed by ristretto.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycache.ParticipantCache, error) {
			cfg := config.FromContext(ctx)
			maxEntries, ttl := int64(100_000), 10*time.Minute
			if cfg != nil {
				if cfg.CacheMaxEntries > 0 {
					maxEntries = cfg.CacheMaxEntries
				}
				if cfg.CacheTTL > 0 {
					ttl = cfg.CacheTTL
				}
			}
			return New(maxEntries, ttl)
		},
	})
}

// New returns a cache holding at most maxEntries participant sets.
func New(maxEntries int64, ttl time.Duration) (registrycache.ParticipantCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Every entry costs 1 so MaxCost is an entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	return &memoryParticipantCache{cache: c, ttl: ttl}, nil
}

type memoryParticipantCache struct {
	cache *ristretto.Cache[string, []string]
	ttl   time.Duration
}

func (m *memoryParticipantCache) Available() bool { return true }

func (m *memoryParticipantCache) Get(_ context.Context, conversationID uuid.UUID) ([]string, error) {
	v, ok := m.cache.Get(conversationID.String())
	if !ok {
		return nil, nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out, nil
}

func (m *memoryParticipantCache) Set(_ context.Context, conversationID uuid.UUID, userIDs []string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.ttl
	}
	stored := make([]string, len(userIDs))
	copy(stored, userIDs)
	m.cache.SetWithTTL(conversationID.String(), stored, 1, ttl)
	// Make the write visible to the next Get.
	m.cache.Wait()
	return nil
}

func (m *memoryParticipantCache) Remove(_ context.Context, conversationID uuid.UUID) error {
	m.cache.Del(conversationID.String())
	return nil
}

var _ registrycache.ParticipantCache = (*memoryParticipantCache)(nil)
