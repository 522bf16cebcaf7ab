package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type participantCacheKey struct{}

// WithParticipantCacheContext returns a new context carrying the given ParticipantCache.
func WithParticipantCacheContext(ctx context.Context, c ParticipantCache) context.Context {
	return context.WithValue(ctx, participantCacheKey{}, c)
}

// ParticipantCacheFromContext retrieves the ParticipantCache from the context.
// Returns nil if none was set.
func ParticipantCacheFromContext(ctx context.Context) ParticipantCache {
	c, _ := ctx.Value(participantCacheKey{}).(ParticipantCache)
	return c
}

// ParticipantCache caches the user ids of a conversation's participants.
// Direct conversations never change membership, so entries only expire.
type ParticipantCache interface {
	Available() bool
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, conversationID uuid.UUID) ([]string, error)
	Set(ctx context.Context, conversationID uuid.UUID, userIDs []string, ttl time.Duration) error
	Remove(ctx context.Context, conversationID uuid.UUID) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ParticipantCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
