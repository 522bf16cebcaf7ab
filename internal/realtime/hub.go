// Package realtime fans events out to connected client sessions. Sessions join
// named rooms; a room is either a conversation's thread or a user's inbox.
package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	EventMessageNew          = "message:new"
	EventConversationUpdated = "conversation:updated"
	EventError               = "error"
	EventJoined              = "joined"
	EventLeft                = "left"
)

const (
	conversationRoomPrefix = "conversation:"
	userRoomPrefix         = "user:"
)

// ConversationRoom is the room for everyone viewing a conversation's thread.
func ConversationRoom(id uuid.UUID) string { return conversationRoomPrefix + id.String() }

// UserRoom is the per-user room that receives conversation:updated events for
// every conversation the user belongs to.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ParseConversationRoom returns the conversation id of a conversation room.
func ParseConversationRoom(room string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(room, conversationRoomPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	return id, err == nil
}

// Event is the envelope written to websocket clients.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an Event.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Encode returns the wire frame for e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Session is one connected client. Frames queued for it are read from Send().
type Session struct {
	ID     uuid.UUID
	UserID string

	send   chan []byte
	rooms  map[string]struct{} // guarded by Hub.mu
	closed bool                // guarded by Hub.mu
}

// Send returns the session's outbound frame queue. It is closed when the
// session is unregistered.
func (s *Session) Send() <-chan []byte { return s.send }

// Hub tracks sessions and room membership.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]struct{}
	buffer   int

	// OnDrop is called for every frame discarded because a session's queue was full.
	OnDrop func(s *Session, room string)

	dropped atomic.Int64
}

// NewHub returns a hub whose sessions buffer up to sendBuffer frames.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		rooms:    map[string]map[*Session]struct{}{},
		sessions: map[*Session]struct{}{},
		buffer:   sendBuffer,
	}
}

// Register adds a session for userID and joins it to the user's room.
func (h *Hub) Register(userID string) *Session {
	s := &Session{
		ID:     uuid.New(),
		UserID: userID,
		send:   make(chan []byte, h.buffer),
		rooms:  map[string]struct{}{},
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.joinLocked(s, UserRoom(userID))
	h.mu.Unlock()
	return s
}

// Unregister removes the session from every room and closes its queue.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	delete(h.sessions, s)
	s.closed = true
	close(s.send)
}

// Join subscribes s to room. Joining twice is a no-op.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	h.joinLocked(s, room)
}

// Leave unsubscribes s from room.
func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) joinLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = map[*Session]struct{}{}
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(s *Session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// Deliver queues frame on every session in room without blocking. It returns
// the number of sessions the frame was queued for.
func (h *Hub) Deliver(room string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.rooms[room] {
		select {
		case s.send <- frame:
			delivered++
		default:
			h.dropped.Add(1)
			if h.OnDrop != nil {
				h.OnDrop(s, room)
			}
		}
	}
	return delivered
}

// SendTo queues frame on a single session without blocking.
func (h *Hub) SendTo(s *Session, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		h.dropped.Add(1)
		if h.OnDrop != nil {
			h.OnDrop(s, "")
		}
		return false
	}
}

// RoomSize returns the number of sessions in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dropped returns how many frames were discarded for full queues.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// InRoom reports whether s is currently subscribed to room.
func (h *Hub) InRoom(s *Session, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}
