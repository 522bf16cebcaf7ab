package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/reconcile"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is an open realtime session. message:new events are merged into the
// client's threads before they are handed to Events.
type Conn struct {
	client *Client
	ws     *websocket.Conn
	events chan realtime.Event
	done   chan struct{}

	writeMu sync.Mutex
	closeMu sync.Once
}

// Connect opens the realtime websocket. The returned Conn reads until Close
// is called, the server goes away, or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	wsURL := c.baseURL + "/v1/realtime"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	conn := &Conn{
		client: c,
		ws:     ws,
		events: make(chan realtime.Event, 256),
		done:   make(chan struct{}),
	}
	go conn.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.done:
		}
	}()
	return conn, nil
}

// Events delivers every event the server pushes. It is closed when the
// connection ends. Events are dropped if the channel is not drained.
func (c *Conn) Events() <-chan realtime.Event { return c.events }

// Join subscribes to a conversation's room. The server answers with a joined
// or error event.
func (c *Conn) Join(conversationID uuid.UUID) error {
	return c.write(realtime.ClientFrame{Type: realtime.FrameJoin, ConversationID: conversationID.String()})
}

// Leave unsubscribes from a conversation's room.
func (c *Conn) Leave(conversationID uuid.UUID) error {
	return c.write(realtime.ClientFrame{Type: realtime.FrameLeave, ConversationID: conversationID.String()})
}

// Close ends the session.
func (c *Conn) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(frame realtime.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var ev realtime.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Realtime connection closed", "user", c.client.userID, "err", err)
			}
			return
		}
		if ev.Type == realtime.EventMessageNew {
			var payload realtime.MessageNew
			if err := json.Unmarshal(ev.Data, &payload); err == nil {
				c.client.Thread(payload.ConversationID).Apply(reconcile.MessageReceived{Message: payload.Message})
			}
		}
		select {
		case c.events <- ev:
		default:
			log.Debug("Realtime event dropped by slow consumer", "user", c.client.userID, "type", ev.Type)
		}
	}
}
