package system

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/chat-service/internal/registry/route"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

var (
	ready atomic.Bool

	checksMu sync.RWMutex
	checks   = map[string]CheckFunc{}
)

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// AddReadinessCheck registers a dependency check consulted by /ready.
func AddReadinessCheck(name string, check CheckFunc) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

func runChecks(ctx context.Context) (map[string]string, bool) {
	checksMu.RLock()
	defer checksMu.RUnlock()
	results := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: initialized and every registered dependency answers
			r.GET("/ready", func(c *gin.Context) {
				if !ready.Load() {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
					return
				}
				ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
				defer cancel()
				results, healthy := runChecks(ctx)
				if !healthy {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": results})
					return
				}
				c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": results})
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}
