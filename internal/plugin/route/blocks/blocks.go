package blocks

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts block list routes.
func MountRoutes(r *gin.Engine, svc *service.ConversationService, auth gin.HandlerFunc) {
	g := r.Group("/v1/blocks", auth)

	g.GET("", func(c *gin.Context) {
		blocks, err := svc.ListBlocked(c.Request.Context(), security.GetUserID(c))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": blocks})
	})
	g.PUT("/:userId", func(c *gin.Context) {
		if err := svc.Block(c.Request.Context(), security.GetUserID(c), c.Param("userId")); err != nil {
			handleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.DELETE("/:userId", func(c *gin.Context) {
		if err := svc.Unblock(c.Request.Context(), security.GetUserID(c), c.Param("userId")); err != nil {
			handleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func handleError(c *gin.Context, err error) {
	var validation *registrystore.ValidationError
	var invalid *registrystore.InvalidOperationError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "invalid_operation", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
