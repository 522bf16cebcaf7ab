package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the chat service.
type Config struct {
	// Mode is "prod" (default) or "testing". Testing mode accepts websocket
	// upgrades from any origin.
	Mode string

	LogLevel string

	// Database
	DBURL         string
	DatastoreType string // "postgres", "mongo" or "sqlite"

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// MongoDatabase is the database name used by the mongo store.
	MongoDatabase string

	// Cache
	CacheType string // "none", "memory" or "redis"
	RedisURL  string
	// CacheTTL bounds how long a participant set stays cached.
	CacheTTL time.Duration
	// CacheMaxEntries bounds the in-process cache size.
	CacheMaxEntries int64

	// Realtime fan-out
	BroadcastType string // "local" or "redis"
	// BroadcastRedisURL defaults to RedisURL when empty.
	BroadcastRedisURL string
	// BroadcastChannelPrefix namespaces redis pub/sub channels.
	BroadcastChannelPrefix string
	// BroadcastQueueSize bounds the outbound publish queue of the redis broadcaster.
	BroadcastQueueSize int

	// Realtime sessions
	RealtimeSendBuffer   int
	RealtimePingInterval time.Duration
	RealtimePongWait     time.Duration
	RealtimeWriteWait    time.Duration
	RealtimeMaxFrameSize int64

	// Paging
	PageDefaultLimit int
	PageMaxLimit     int

	// Message limits
	MaxBodyLength        int
	MaxClientTokenLength int

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		LogLevel:                "info",
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		MongoDatabase:           "chat_service",
		CacheType:               "none",
		CacheTTL:                10 * time.Minute,
		CacheMaxEntries:         100_000,
		BroadcastType:           "local",
		BroadcastChannelPrefix:  "chat:room:",
		BroadcastQueueSize:      4096,
		RealtimeSendBuffer:      64,
		RealtimePingInterval:    25 * time.Second,
		RealtimePongWait:        60 * time.Second,
		RealtimeWriteWait:       10 * time.Second,
		RealtimeMaxFrameSize:    4096,
		PageDefaultLimit:        20,
		PageMaxLimit:            100,
		MaxBodyLength:           10_000,
		MaxClientTokenLength:    200,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:    1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

// ResolvedBroadcastRedisURL returns the redis URL used for pub/sub fan-out.
func (c *Config) ResolvedBroadcastRedisURL() string {
	if c == nil {
		return ""
	}
	if c.BroadcastRedisURL != "" {
		return c.BroadcastRedisURL
	}
	return c.RedisURL
}

// ClampPage normalizes 1-based page/limit query values: page is floored at 1
// and limit falls back to the default and is capped at PageMaxLimit.
func (c *Config) ClampPage(page, limit int) (int, int) {
	def, max := 20, 100
	if c != nil {
		if c.PageDefaultLimit > 0 {
			def = c.PageDefaultLimit
		}
		if c.PageMaxLimit > 0 {
			max = c.PageMaxLimit
		}
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return page, limit
}
