package chats

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the chat routes. Called after store initialization so
// the conversation service is available.
func MountRoutes(r *gin.Engine, svc *service.ConversationService, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1/chats", auth)

	g.POST("/start", func(c *gin.Context) {
		startConversation(c, svc)
	})
	g.GET("", func(c *gin.Context) {
		listConversations(c, svc, cfg)
	})
	g.GET("/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, svc, cfg)
	})
	g.POST("/:conversationId/messages", func(c *gin.Context) {
		sendMessage(c, svc)
	})
	g.PATCH("/:conversationId/read", func(c *gin.Context) {
		markRead(c, svc)
	})
}

func startConversation(c *gin.Context, svc *service.ConversationService) {
	var req struct {
		PeerUserID string `json:"peerUserId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	res, err := svc.Start(c.Request.Context(), security.GetUserID(c), req.PeerUserID)
	if err != nil {
		handleError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func listConversations(c *gin.Context, svc *service.ConversationService, cfg *config.Config) {
	page, limit := cfg.ClampPage(queryInt(c, "page", 1), queryInt(c, "limit", 0))
	res, err := svc.ListConversations(c.Request.Context(), security.GetUserID(c), page, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func listMessages(c *gin.Context, svc *service.ConversationService, cfg *config.Config) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	page, limit := cfg.ClampPage(queryInt(c, "page", 1), queryInt(c, "limit", 0))
	res, err := svc.ListMessages(c.Request.Context(), security.GetUserID(c), convID, page, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func sendMessage(c *gin.Context, svc *service.ConversationService) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	var req struct {
		Body          string  `json:"body"`
		ClientToken   string  `json:"clientToken"`
		AttachmentURL *string `json:"attachmentUrl"`
		MimeType      *string `json:"mimeType"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	res, err := svc.Send(c.Request.Context(), service.SendRequest{
		CallerID:       security.GetUserID(c),
		ConversationID: convID,
		Body:           req.Body,
		ClientToken:    req.ClientToken,
		AttachmentURL:  req.AttachmentURL,
		MimeType:       req.MimeType,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	if res.Replayed {
		c.JSON(http.StatusOK, res.Message)
		return
	}
	c.JSON(http.StatusCreated, res.Message)
}

func markRead(c *gin.Context, svc *service.ConversationService) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	var req struct {
		LastReadMessageID string `json:"lastReadMessageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid request body"})
		return
	}
	msgID, err := uuid.Parse(req.LastReadMessageID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid lastReadMessageId", "field": "lastReadMessageId"})
		return
	}
	p, err := svc.MarkRead(c.Request.Context(), security.GetUserID(c), convID, msgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "unreadCount": p.UnreadCount})
}

func pathUUID(c *gin.Context, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(key))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid " + key, "field": key})
		return uuid.Nil, false
	}
	return id, true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var invalid *registrystore.InvalidOperationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "invalid_operation", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": "conflict", "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
