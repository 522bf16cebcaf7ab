package store

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	ConversationID uuid.UUID
	AuthorID       string
	Body           string
	AttachmentURL  *string
	MimeType       *string
	ClientToken    string
}

// AppendResult is the outcome of AppendMessage. Replayed is true when the
// client token was already bound and Message is the originally stored one.
type AppendResult struct {
	Message  model.Message
	Replayed bool
}

// ChatStore is the persistence boundary of the direct-messaging subsystem.
//
// Implementations must enforce at most one conversation per unordered user
// pair and at most one message per client token, and AppendMessage must
// persist the token binding, the message, the conversation pointer and the
// unread counters of the other participants as a single atomic unit.
type ChatStore interface {
	// FindOrCreateDirectConversation returns the conversation for the pair,
	// creating it with both users as participants if none exists.
	FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error)
	GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error)
	// ListConversations returns the user's conversations, most recent activity first.
	ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.ConversationView, int64, error)

	// Block registry.
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	IsBlockedEither(ctx context.Context, userA, userB string) (bool, error)
	ListBlocked(ctx context.Context, blockerID string) ([]model.Block, error)

	// Messages.
	AppendMessage(ctx context.Context, msg NewMessage) (*AppendResult, error)
	GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error)
	FindMessageByToken(ctx context.Context, clientToken string) (*model.Message, error)
	// ListMessages returns messages oldest first.
	ListMessages(ctx context.Context, conversationID uuid.UUID, offset, limit int) ([]model.Message, int64, error)

	// MarkRead moves the user's read pointer to messageID (never backwards)
	// and recomputes their unread counter.
	MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, messageID uuid.UUID) (*model.Participant, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Loader creates a ChatStore from config carried in the context.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
