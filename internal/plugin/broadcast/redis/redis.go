// Package redis fans realtime events out across service instances with redis
// pub/sub. Every instance publishes into and pattern-subscribes to the same
// channel prefix, then delivers received frames into its local hub.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/realtime"
	registrybroadcast "github.com/chirino/chat-service/internal/registry/broadcast"
	"github.com/chirino/chat-service/internal/security"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix    = "chat:room:"
	defaultQueueSize = 4096
)

func init() {
	registrybroadcast.Register(registrybroadcast.Plugin{
		Name: "redis",
		Loader: func(ctx context.Context, hub *realtime.Hub) (registrybroadcast.Broadcaster, error) {
			cfg := config.FromContext(ctx)
			url := cfg.ResolvedBroadcastRedisURL()
			if url == "" {
				return nil, fmt.Errorf("redis broadcast: CHAT_SERVICE_BROADCAST_REDIS_URL or CHAT_SERVICE_REDIS_URL is required")
			}
			opts, err := goredis.ParseURL(url)
			if err != nil {
				return nil, fmt.Errorf("redis broadcast: invalid URL: %w", err)
			}
			return New(ctx, goredis.NewClient(opts), hub, cfg.BroadcastChannelPrefix, cfg.BroadcastQueueSize)
		},
	})
}

type outbound struct {
	room  string
	frame []byte
}

// Broadcaster publishes through redis and delivers subscribed frames to a hub.
type Broadcaster struct {
	client *goredis.Client
	pubsub *goredis.PubSub
	hub    *realtime.Hub
	prefix string
	queue  chan outbound

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New subscribes to prefix+"*" and starts the publish and receive loops. The
// client is owned by the returned Broadcaster and closed by Close.
func New(ctx context.Context, client *goredis.Client, hub *realtime.Hub, prefix string, queueSize int) (*Broadcaster, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis broadcast: ping failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	pubsub := client.PSubscribe(loopCtx, prefix+"*")
	// Wait for the subscription to be confirmed so no event published after
	// New returns can be missed by this instance.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis broadcast: subscribe failed: %w", err)
	}

	b := &Broadcaster{
		client: client,
		pubsub: pubsub,
		hub:    hub,
		prefix: prefix,
		queue:  make(chan outbound, queueSize),
		cancel: cancel,
	}
	b.wg.Add(2)
	go b.publishLoop(loopCtx)
	go b.receiveLoop(pubsub.Channel())
	log.Info("Redis broadcast enabled", "prefix", prefix)
	return b, nil
}

// Publish enqueues the event for the publisher goroutine. A full queue drops
// the event; clients recover by re-fetching over REST.
func (b *Broadcaster) Publish(_ context.Context, room string, event realtime.Event) error {
	frame, err := event.Encode()
	if err != nil {
		return err
	}
	select {
	case b.queue <- outbound{room: room, frame: frame}:
		if security.BroadcastEventsTotal != nil {
			security.BroadcastEventsTotal.WithLabelValues(event.Type).Inc()
		}
	default:
		security.Inc(security.BroadcastDroppedTotal)
		log.Warn("Broadcast queue full; dropping event", "room", room, "type", event.Type)
	}
	return nil
}

// A single goroutine publishes so events keep their enqueue order.
func (b *Broadcaster) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			if err := b.client.Publish(ctx, b.prefix+m.room, m.frame).Err(); err != nil && ctx.Err() == nil {
				log.Warn("Redis publish failed", "room", m.room, "err", err)
			}
		}
	}
}

func (b *Broadcaster) receiveLoop(ch <-chan *goredis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		room := strings.TrimPrefix(msg.Channel, b.prefix)
		b.hub.Deliver(room, []byte(msg.Payload))
	}
}

func (b *Broadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.pubsub.Close()
		b.wg.Wait()
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

var _ registrybroadcast.Broadcaster = (*Broadcaster)(nil)
