package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	defer observe("find_or_create_conversation", time.Now())
	return m.inner.FindOrCreateDirectConversation(ctx, userA, userB)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	defer observe("get_participants", time.Now())
	return m.inner.GetParticipants(ctx, conversationID)
}

func (m *metricsStore) GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	defer observe("get_participant", time.Now())
	return m.inner.GetParticipant(ctx, conversationID, userID)
}

func (m *metricsStore) ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.ConversationView, int64, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, userID, offset, limit)
}

func (m *metricsStore) Block(ctx context.Context, blockerID, blockedID string) error {
	defer observe("block", time.Now())
	return m.inner.Block(ctx, blockerID, blockedID)
}

func (m *metricsStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	defer observe("unblock", time.Now())
	return m.inner.Unblock(ctx, blockerID, blockedID)
}

func (m *metricsStore) IsBlockedEither(ctx context.Context, userA, userB string) (bool, error) {
	defer observe("is_blocked", time.Now())
	return m.inner.IsBlockedEither(ctx, userA, userB)
}

func (m *metricsStore) ListBlocked(ctx context.Context, blockerID string) ([]model.Block, error) {
	defer observe("list_blocked", time.Now())
	return m.inner.ListBlocked(ctx, blockerID)
}

func (m *metricsStore) AppendMessage(ctx context.Context, msg store.NewMessage) (*store.AppendResult, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, msg)
}

func (m *metricsStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, messageID)
}

func (m *metricsStore) FindMessageByToken(ctx context.Context, clientToken string) (*model.Message, error) {
	defer observe("find_message_by_token", time.Now())
	return m.inner.FindMessageByToken(ctx, clientToken)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID uuid.UUID, offset, limit int) ([]model.Message, int64, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID, offset, limit)
}

func (m *metricsStore) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, messageID uuid.UUID) (*model.Participant, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, conversationID, userID, messageID)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	return m.inner.Ping(ctx)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
