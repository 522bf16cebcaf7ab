package broadcast

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/realtime"
)

// Broadcaster publishes realtime events to a room. Publish must not block on
// slow subscribers; delivery is best effort.
type Broadcaster interface {
	Publish(ctx context.Context, room string, event realtime.Event) error
	Close() error
}

// Loader creates a broadcaster that delivers into the given local hub.
type Loader func(ctx context.Context, hub *realtime.Hub) (Broadcaster, error)

// Plugin represents a broadcast transport plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a broadcast plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered broadcast plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named broadcast plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown broadcast %q; valid: %v", name, Names())
}
