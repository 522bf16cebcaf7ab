// Package local delivers realtime events to sessions connected to this process.
package local

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/realtime"
	registrybroadcast "github.com/chirino/chat-service/internal/registry/broadcast"
	"github.com/chirino/chat-service/internal/security"
)

func init() {
	registrybroadcast.Register(registrybroadcast.Plugin{
		Name: "local",
		Loader: func(ctx context.Context, hub *realtime.Hub) (registrybroadcast.Broadcaster, error) {
			return New(hub), nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// New returns a broadcaster that delivers straight into hub.
func New(hub *realtime.Hub) registrybroadcast.Broadcaster {
	return &localBroadcaster{hub: hub}
}

type localBroadcaster struct {
	hub *realtime.Hub
}

func (b *localBroadcaster) Publish(_ context.Context, room string, event realtime.Event) error {
	frame, err := event.Encode()
	if err != nil {
		return err
	}
	if security.BroadcastEventsTotal != nil {
		security.BroadcastEventsTotal.WithLabelValues(event.Type).Inc()
	}
	n := b.hub.Deliver(room, frame)
	log.Debug("Broadcast", "room", room, "type", event.Type, "sessions", n)
	return nil
}

func (b *localBroadcaster) Close() error { return nil }
