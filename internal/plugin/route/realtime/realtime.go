// Package realtime serves the websocket endpoint clients use to receive
// message:new and conversation:updated events.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/realtime"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 120,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts GET /v1/realtime.
func MountRoutes(r *gin.Engine, hub *realtime.Hub, svc *service.ConversationService, cfg *config.Config, auth gin.HandlerFunc) {
	h := &handler{
		hub: hub,
		svc: svc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg),
		},
	}
	r.GET("/v1/realtime", auth, h.serve)
}

type handler struct {
	hub      *realtime.Hub
	svc      *service.ConversationService
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func (h *handler) serve(c *gin.Context) {
	userID := security.GetUserID(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Info("Websocket upgrade failed", "user", userID, "err", err)
		return
	}

	sess := h.hub.Register(userID)
	if security.RealtimeSessions != nil {
		security.RealtimeSessions.Inc()
		defer security.RealtimeSessions.Dec()
	}
	log.Debug("Realtime session opened", "session", sess.ID, "user", userID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, sess)
	}()
	h.readPump(c, conn, sess)

	// Unregister closes the send queue, which stops the write pump.
	h.hub.Unregister(sess)
	<-done
	log.Debug("Realtime session closed", "session", sess.ID, "user", userID)
}

func (h *handler) readPump(c *gin.Context, conn *websocket.Conn, sess *realtime.Session) {
	conn.SetReadLimit(h.cfg.RealtimeMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.RealtimePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.RealtimePongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Realtime read failed", "session", sess.ID, "err", err)
			}
			return
		}
		var frame realtime.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(sess, "invalid_frame", "frame is not valid JSON")
			continue
		}
		h.handleFrame(c, sess, frame)
	}
}

func (h *handler) handleFrame(c *gin.Context, sess *realtime.Session, frame realtime.ClientFrame) {
	switch frame.Type {
	case realtime.FrameJoin, realtime.FrameLeave:
	default:
		h.sendError(sess, "invalid_frame", "unknown frame type "+frame.Type)
		return
	}
	convID, err := uuid.Parse(frame.ConversationID)
	if err != nil {
		h.sendError(sess, "invalid_frame", "invalid conversationId")
		return
	}
	room := realtime.ConversationRoom(convID)

	if frame.Type == realtime.FrameLeave {
		h.hub.Leave(sess, room)
		h.sendEvent(sess, realtime.EventLeft, realtime.RoomAck{ConversationID: convID})
		return
	}

	if err := h.svc.CanJoin(c.Request.Context(), sess.UserID, convID); err != nil {
		var notFound *registrystore.NotFoundError
		var forbidden *registrystore.ForbiddenError
		switch {
		case errors.As(err, &notFound):
			h.sendError(sess, "not_found", err.Error())
		case errors.As(err, &forbidden):
			h.sendError(sess, "forbidden", err.Error())
		default:
			log.Error("Join check failed", "session", sess.ID, "conversation", convID, "err", err)
			h.sendError(sess, "internal_error", "join failed")
		}
		return
	}
	h.hub.Join(sess, room)
	h.sendEvent(sess, realtime.EventJoined, realtime.RoomAck{ConversationID: convID})
}

func (h *handler) writePump(conn *websocket.Conn, sess *realtime.Session) {
	ticker := time.NewTicker(h.cfg.RealtimePingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sess.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.RealtimeWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("Realtime write failed", "session", sess.ID, "err", err)
				// Unblock the read pump so the session is torn down.
				_ = conn.Close()
				drain(sess)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.RealtimeWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drain(sess)
				return
			}
		}
	}
}

// drain discards frames until the session is unregistered.
func drain(sess *realtime.Session) {
	for range sess.Send() {
	}
}

func (h *handler) sendEvent(sess *realtime.Session, eventType string, payload any) {
	ev, err := realtime.NewEvent(eventType, payload)
	if err != nil {
		log.Error("Failed to encode realtime event", "type", eventType, "err", err)
		return
	}
	frame, err := ev.Encode()
	if err != nil {
		log.Error("Failed to encode realtime event", "type", eventType, "err", err)
		return
	}
	h.hub.SendTo(sess, frame)
}

func (h *handler) sendError(sess *realtime.Session, code, message string) {
	h.sendEvent(sess, realtime.EventError, realtime.ErrorPayload{Code: code, Message: message})
}

// originChecker allows any origin in testing mode, the configured CORS origins
// when CORS is enabled, and otherwise only same-host requests.
func originChecker(cfg *config.Config) func(r *http.Request) bool {
	if cfg.Mode == config.ModeTesting {
		return func(*http.Request) bool { return true }
	}
	allowed := map[string]bool{}
	if cfg.CORSEnabled {
		for _, part := range strings.Split(cfg.CORSOrigins, ",") {
			if v := strings.TrimSpace(part); v != "" {
				allowed[v] = true
			}
		}
		if len(allowed) == 0 {
			allowed["*"] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed["*"] || allowed[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
