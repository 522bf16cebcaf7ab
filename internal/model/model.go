package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is a participant's role within a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// PairKey returns the canonical key for the unordered pair {a, b}. Each id is
// length-prefixed so ids containing the separator cannot collide.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%d:%s", len(a), a, len(b), b)
}

// Conversation is a direct (two-party) conversation.
type Conversation struct {
	ID                   uuid.UUID  `json:"id"                             gorm:"primaryKey;type:uuid"`
	PairKey              string     `json:"-"                              gorm:"not null;uniqueIndex"`
	MessageSeq           int64      `json:"-"                              gorm:"not null;default:0"`
	LastMessageID        *uuid.UUID `json:"lastMessageId,omitempty"        gorm:"type:uuid"`
	LastMessageCreatedAt *time.Time `json:"lastMessageCreatedAt,omitempty" gorm:"index"`
	CreatedAt            time.Time  `json:"createdAt"                      gorm:"not null"`
	UpdatedAt            time.Time  `json:"updatedAt"                      gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant is a user's membership in a conversation, with their read state.
type Participant struct {
	ConversationID    uuid.UUID  `json:"conversationId"              gorm:"primaryKey;type:uuid"`
	UserID            string     `json:"userId"                      gorm:"primaryKey;index"`
	Role              Role       `json:"role"                        gorm:"not null;default:'member'"`
	JoinedAt          time.Time  `json:"joinedAt"                    gorm:"not null"`
	LastReadMessageID *uuid.UUID `json:"lastReadMessageId,omitempty" gorm:"type:uuid"`
	LastReadSeq       int64      `json:"-"                           gorm:"not null;default:0"`
	UnreadCount       int64      `json:"unreadCount"                 gorm:"not null;default:0"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty"`
}

func (Participant) TableName() string { return "participants" }

// Message is a single message in a conversation. Seq is assigned under the
// conversation's write lock and orders messages consistently with CreatedAt.
type Message struct {
	ID             uuid.UUID  `json:"id"                      gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID  `json:"conversationId"          gorm:"not null;type:uuid;uniqueIndex:idx_msg_seq"`
	AuthorID       string     `json:"authorId"                gorm:"not null"`
	Body           string     `json:"body"                    gorm:"not null"`
	AttachmentURL  *string    `json:"attachmentUrl,omitempty"`
	MimeType       *string    `json:"mimeType,omitempty"`
	ClientToken    string     `json:"clientToken,omitempty"   gorm:"not null"`
	Seq            int64      `json:"seq"                     gorm:"not null;uniqueIndex:idx_msg_seq"`
	CreatedAt      time.Time  `json:"createdAt"               gorm:"not null"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

func (Message) TableName() string { return "messages" }

// ClientToken binds a client-generated idempotency token to the message it produced.
type ClientToken struct {
	Token          string    `gorm:"primaryKey"`
	MessageID      uuid.UUID `gorm:"not null;type:uuid"`
	ConversationID uuid.UUID `gorm:"not null;type:uuid"`
	AuthorID       string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (ClientToken) TableName() string { return "client_tokens" }

// Block records that BlockerID has blocked BlockedID.
type Block struct {
	BlockerID string    `json:"blockerId" gorm:"primaryKey"`
	BlockedID string    `json:"blockedId" gorm:"primaryKey;index"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Block) TableName() string { return "blocks" }

// ConversationView is a conversation as seen by one participant in a list.
type ConversationView struct {
	ID          uuid.UUID `json:"id"`
	PeerUserID  string    `json:"peerUserId"`
	UnreadCount int64     `json:"unreadCount"`
	LastMessage *Message  `json:"lastMessage"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
