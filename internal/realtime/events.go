package realtime

import (
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// MessageNew is the payload of a message:new event.
type MessageNew struct {
	ConversationID uuid.UUID     `json:"conversationId"`
	Message        model.Message `json:"message"`
}

// ConversationUpdated is the payload of a conversation:updated event.
type ConversationUpdated struct {
	ID          uuid.UUID      `json:"id"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	LastMessage *model.Message `json:"lastMessage"`
}

// ClientFrame is a frame sent by a websocket client.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// Client frame types.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
)

// RoomAck is the payload of joined / left replies.
type RoomAck struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
