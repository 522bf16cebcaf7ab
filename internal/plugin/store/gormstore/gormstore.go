// Package gormstore implements registry/store.ChatStore on top of gorm. The
// postgres and sqlite plugins share it and differ only in how they open the
// database and whether conversation rows can be locked with SELECT FOR UPDATE.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options tunes dialect specific behaviour.
type Options struct {
	// LockRows enables SELECT ... FOR UPDATE on the conversation row while
	// appending messages or moving read pointers. Dialects without row locks
	// must serialize writers some other way (sqlite uses a single connection).
	LockRows bool
}

// Store implements ChatStore using GORM.
type Store struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

// New returns a Store over an opened gorm DB. The DB should be opened with
// gorm.Config{TranslateError: true} so uniqueness violations surface as
// gorm.ErrDuplicatedKey.
func New(db *gorm.DB, opts Options) *Store {
	return &Store{
		db:   db,
		opts: opts,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

// DB exposes the underlying handle for tests and migrations.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) lockConversation(tx *gorm.DB, conversationID uuid.UUID) (*model.Conversation, error) {
	q := tx
	if s.opts.LockRows {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var conv model.Conversation
	if err := q.Where("id = ?", conversationID).Take(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

// --- Conversations ---

func (s *Store) findConversationByPair(ctx context.Context, pairKey string) (*model.Conversation, error) {
	var conv model.Conversation
	lookup := s.db.WithContext(ctx).Where("pair_key = ?", pairKey).Limit(1).Find(&conv)
	if lookup.Error != nil {
		return nil, fmt.Errorf("find conversation: %w", lookup.Error)
	}
	if lookup.RowsAffected == 0 {
		return nil, nil
	}
	return &conv, nil
}

func (s *Store) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	key := model.PairKey(userA, userB)
	existing, err := s.findConversationByPair(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.now()
	conv := model.Conversation{
		ID:        uuid.New(),
		PairKey:   key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		participants := []model.Participant{
			{ConversationID: conv.ID, UserID: userA, Role: model.RoleMember, JoinedAt: now},
			{ConversationID: conv.ID, UserID: userB, Role: model.RoleMember, JoinedAt: now},
		}
		return tx.Create(&participants).Error
	})
	if err == nil {
		return &conv, true, nil
	}
	if !isDuplicateKey(err) {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	// A concurrent start for the same pair won the unique pair_key race.
	existing, err = s.findConversationByPair(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, &registrystore.ConflictError{Message: "conversation for pair was created concurrently but is not visible"}
	}
	return existing, false, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	var participants []model.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, user_id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	return participants, nil
}

func (s *Store) GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	var p model.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "participant", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

type conversationRow struct {
	ID                   uuid.UUID
	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastMessageID        *uuid.UUID
	LastMessageCreatedAt *time.Time
	UnreadCount          int64
	JoinedAt             time.Time
}

func (s *Store) ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.ConversationView, int64, error) {
	base := s.db.WithContext(ctx).
		Table("participants p").
		Joins("JOIN conversations c ON c.id = p.conversation_id").
		Where("p.user_id = ?", userID).
		Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	var rows []conversationRow
	err := base.
		Select("c.id, c.created_at, c.updated_at, c.last_message_id, c.last_message_created_at, p.unread_count, p.joined_at").
		Order("CASE WHEN c.last_message_created_at IS NULL THEN 1 ELSE 0 END, c.last_message_created_at DESC, p.joined_at DESC, c.id ASC").
		Offset(offset).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	if len(rows) == 0 {
		return []model.ConversationView{}, total, nil
	}

	convIDs := make([]uuid.UUID, 0, len(rows))
	var lastIDs []uuid.UUID
	for _, r := range rows {
		convIDs = append(convIDs, r.ID)
		if r.LastMessageID != nil {
			lastIDs = append(lastIDs, *r.LastMessageID)
		}
	}

	var peers []model.Participant
	if err := s.db.WithContext(ctx).
		Where("conversation_id IN ? AND user_id <> ?", convIDs, userID).
		Find(&peers).Error; err != nil {
		return nil, 0, fmt.Errorf("load peers: %w", err)
	}
	peerByConv := make(map[uuid.UUID]string, len(peers))
	for _, p := range peers {
		peerByConv[p.ConversationID] = p.UserID
	}

	lastByID := map[uuid.UUID]*model.Message{}
	if len(lastIDs) > 0 {
		var msgs []model.Message
		if err := s.db.WithContext(ctx).Where("id IN ?", lastIDs).Find(&msgs).Error; err != nil {
			return nil, 0, fmt.Errorf("load last messages: %w", err)
		}
		for i := range msgs {
			lastByID[msgs[i].ID] = &msgs[i]
		}
	}

	views := make([]model.ConversationView, 0, len(rows))
	for _, r := range rows {
		v := model.ConversationView{
			ID:          r.ID,
			PeerUserID:  peerByConv[r.ID],
			UnreadCount: r.UnreadCount,
			CreatedAt:   r.CreatedAt.UTC(),
			UpdatedAt:   r.UpdatedAt.UTC(),
		}
		if r.LastMessageID != nil {
			v.LastMessage = lastByID[*r.LastMessageID]
		}
		views = append(views, v)
	}
	return views, total, nil
}

// --- Blocks ---

func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	b := model.Block{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&b).Error
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string) error {
	err := s.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&model.Block{}).Error
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return nil
}

func (s *Store) IsBlockedEither(ctx context.Context, userA, userB string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", userA, userB, userB, userA).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return count > 0, nil
}

func (s *Store) ListBlocked(ctx context.Context, blockerID string) ([]model.Block, error) {
	var blocks []model.Block
	err := s.db.WithContext(ctx).
		Where("blocker_id = ?", blockerID).
		Order("created_at DESC").
		Find(&blocks).Error
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, in registrystore.NewMessage) (*registrystore.AppendResult, error) {
	var result registrystore.AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := s.lockConversation(tx, in.ConversationID)
		if err != nil {
			return err
		}

		var members int64
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id = ?", conv.ID, in.AuthorID).
			Count(&members).Error; err != nil {
			return fmt.Errorf("check participant: %w", err)
		}
		if members == 0 {
			return &registrystore.ForbiddenError{Reason: "not a participant of this conversation"}
		}

		var bound model.ClientToken
		lookup := tx.Where("token = ?", in.ClientToken).Limit(1).Find(&bound)
		if lookup.Error != nil {
			return fmt.Errorf("lookup client token: %w", lookup.Error)
		}
		if lookup.RowsAffected > 0 {
			if bound.ConversationID != conv.ID {
				return &registrystore.InvalidOperationError{Message: "client token already used in another conversation"}
			}
			var original model.Message
			if err := tx.Where("id = ?", bound.MessageID).Take(&original).Error; err != nil {
				return fmt.Errorf("load replayed message: %w", err)
			}
			result = registrystore.AppendResult{Message: original, Replayed: true}
			return nil
		}

		createdAt := s.now()
		if conv.LastMessageCreatedAt != nil && !createdAt.After(*conv.LastMessageCreatedAt) {
			createdAt = conv.LastMessageCreatedAt.UTC().Add(time.Microsecond)
		}
		msg := model.Message{
			ID:             uuid.Must(uuid.NewV7()),
			ConversationID: conv.ID,
			AuthorID:       in.AuthorID,
			Body:           in.Body,
			AttachmentURL:  in.AttachmentURL,
			MimeType:       in.MimeType,
			ClientToken:    in.ClientToken,
			Seq:            conv.MessageSeq + 1,
			CreatedAt:      createdAt,
		}

		if err := tx.Create(&model.ClientToken{
			Token:          in.ClientToken,
			MessageID:      msg.ID,
			ConversationID: conv.ID,
			AuthorID:       in.AuthorID,
			CreatedAt:      createdAt,
		}).Error; err != nil {
			return err
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"message_seq":             msg.Seq,
			"last_message_id":         msg.ID,
			"last_message_created_at": createdAt,
			"updated_at":              createdAt,
		}).Error; err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id <> ?", conv.ID, in.AuthorID).
			UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error; err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
		result = registrystore.AppendResult{Message: msg}
		return nil
	})
	if err == nil {
		return &result, nil
	}
	if !isDuplicateKey(err) {
		return nil, err
	}

	// Another writer bound the token first; return what it stored.
	original, ferr := s.FindMessageByToken(ctx, in.ClientToken)
	if ferr != nil {
		var nf *registrystore.NotFoundError
		if errors.As(ferr, &nf) {
			return nil, &registrystore.ConflictError{Message: "message append conflicted: " + err.Error()}
		}
		return nil, ferr
	}
	if original.ConversationID != in.ConversationID {
		return nil, &registrystore.InvalidOperationError{Message: "client token already used in another conversation"}
	}
	return &registrystore.AppendResult{Message: *original, Replayed: true}, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

func (s *Store) FindMessageByToken(ctx context.Context, clientToken string) (*model.Message, error) {
	var bound model.ClientToken
	lookup := s.db.WithContext(ctx).Where("token = ?", clientToken).Limit(1).Find(&bound)
	if lookup.Error != nil {
		return nil, fmt.Errorf("lookup client token: %w", lookup.Error)
	}
	if lookup.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "client token", ID: clientToken}
	}
	return s.GetMessage(ctx, bound.MessageID)
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, offset, limit int) ([]model.Message, int64, error) {
	base := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	msgs := []model.Message{}
	if err := base.Order("seq ASC").Offset(offset).Limit(limit).Find(&msgs).Error; err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	return msgs, total, nil
}

// --- Read state ---

func (s *Store) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, messageID uuid.UUID) (*model.Participant, error) {
	var updated model.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockConversation(tx, conversationID); err != nil {
			return err
		}

		var p model.Participant
		err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &registrystore.ForbiddenError{Reason: "not a participant of this conversation"}
		}
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}

		var target model.Message
		err = tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}

		// The read pointer never moves backwards.
		if target.Seq > p.LastReadSeq || p.LastReadMessageID == nil {
			id := target.ID
			p.LastReadMessageID = &id
			if target.Seq > p.LastReadSeq {
				p.LastReadSeq = target.Seq
			}
		}

		var unread int64
		if err := tx.Model(&model.Message{}).
			Where("conversation_id = ? AND seq > ? AND author_id <> ?", conversationID, p.LastReadSeq, userID).
			Count(&unread).Error; err != nil {
			return fmt.Errorf("count unread: %w", err)
		}

		now := s.now()
		p.UnreadCount = unread
		p.LastReadAt = &now
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Updates(map[string]any{
				"last_read_message_id": p.LastReadMessageID,
				"last_read_seq":        p.LastReadSeq,
				"unread_count":         p.UnreadCount,
				"last_read_at":         now,
			}).Error; err != nil {
			return fmt.Errorf("update read state: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

var _ registrystore.ChatStore = (*Store)(nil)
