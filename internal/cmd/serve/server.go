package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/route/blocks"
	"github.com/chirino/chat-service/internal/plugin/route/chats"
	routerealtime "github.com/chirino/chat-service/internal/plugin/route/realtime"
	routesystem "github.com/chirino/chat-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-service/internal/plugin/store/metrics"
	"github.com/chirino/chat-service/internal/realtime"
	registrybroadcast "github.com/chirino/chat-service/internal/registry/broadcast"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Hub             *realtime.Hub
	Service         *service.ConversationService
	Router          *gin.Engine
	Running         *RunningServers
	broadcaster     registrybroadcast.Broadcaster
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	if s.broadcaster != nil {
		if cerr := s.broadcaster.Close(); cerr != nil {
			log.Warn("Broadcaster close failed", "err", cerr)
		}
	}
	if cerr := s.Store.Close(); cerr != nil {
		log.Warn("Store close failed", "err", cerr)
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"broadcast", cfg.BroadcastType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Shared token resolver for the REST routes and the realtime endpoint.
	resolver, err := security.NewTokenResolver(cfg)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// The participant cache is optional: a failure degrades to store lookups.
	var participantCache registrycache.ParticipantCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if participantCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		participantCache = nil
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)
	routesystem.AddReadinessCheck("store", store.Ping)

	// Realtime hub and cross-instance fan-out.
	hub := realtime.NewHub(cfg.RealtimeSendBuffer)
	hub.OnDrop = func(s *realtime.Session, room string) {
		security.Inc(security.BroadcastDroppedTotal)
		log.Debug("Realtime frame dropped", "session", s.ID, "user", s.UserID, "room", room)
	}
	broadcastLoader, err := registrybroadcast.Select(cfg.BroadcastType)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	broadcaster, err := broadcastLoader(ctx, hub)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize broadcaster: %w", err)
	}

	svc := service.NewConversationService(store, participantCache, broadcaster, service.Options{
		MaxBodyLength:        cfg.MaxBodyLength,
		MaxClientTokenLength: cfg.MaxClientTokenLength,
		CacheTTL:             cfg.CacheTTL,
	})

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	auth := security.AuthMiddleware(resolver)

	chats.MountRoutes(router, svc, cfg, auth)
	blocks.MountRoutes(router, svc, auth)
	routerealtime.MountRoutes(router, hub, svc, cfg, auth)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Hub:             hub,
		Service:         svc,
		Router:          router,
		Running:         running,
		broadcaster:     broadcaster,
		closeManagement: closeManagement,
	}, nil
}
