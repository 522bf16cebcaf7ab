package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			if security.DBPoolMaxConnections != nil && cfg.DBMaxOpenConns > 0 {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}
			return &MongoStore{
				client: client,
				db:     client.Database(databaseName(cfg)),
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func databaseName(cfg *config.Config) string {
	if cfg != nil && cfg.MongoDatabase != "" {
		return cfg.MongoDatabase
	}
	return "chat_service"
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(databaseName(cfg))
	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "last_message_created_at", Value: -1}}},
		},
		"participants": {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		"messages": {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		"client_tokens": {},
		"blocks": {
			{
				Keys:    bson.D{{Key: "blocker_id", Value: 1}, {Key: "blocked_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "blocked_id", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		// Collections must exist before they can be written inside a transaction.
		_ = db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements ChatStore using MongoDB. Writes that touch more than
// one document run in a session transaction, so a replica set is required.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// --- MongoDB document types ---

type convDoc struct {
	ID                   string     `bson:"_id"`
	PairKey              string     `bson:"pair_key"`
	MessageSeq           int64      `bson:"message_seq"`
	LockVersion          int64      `bson:"lock_version"`
	LastMessageID        *string    `bson:"last_message_id,omitempty"`
	LastMessageCreatedAt *time.Time `bson:"last_message_created_at,omitempty"`
	CreatedAt            time.Time  `bson:"created_at"`
	UpdatedAt            time.Time  `bson:"updated_at"`
}

type participantDoc struct {
	ConversationID    string     `bson:"conversation_id"`
	UserID            string     `bson:"user_id"`
	Role              string     `bson:"role"`
	JoinedAt          time.Time  `bson:"joined_at"`
	LastReadMessageID *string    `bson:"last_read_message_id,omitempty"`
	LastReadSeq       int64      `bson:"last_read_seq"`
	UnreadCount       int64      `bson:"unread_count"`
	LastReadAt        *time.Time `bson:"last_read_at,omitempty"`
}

type messageDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversation_id"`
	AuthorID       string     `bson:"author_id"`
	Body           string     `bson:"body"`
	AttachmentURL  *string    `bson:"attachment_url,omitempty"`
	MimeType       *string    `bson:"mime_type,omitempty"`
	ClientToken    string     `bson:"client_token"`
	Seq            int64      `bson:"seq"`
	CreatedAt      time.Time  `bson:"created_at"`
	EditedAt       *time.Time `bson:"edited_at,omitempty"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty"`
}

type tokenDoc struct {
	Token          string    `bson:"_id"`
	MessageID      string    `bson:"message_id"`
	ConversationID string    `bson:"conversation_id"`
	AuthorID       string    `bson:"author_id"`
	CreatedAt      time.Time `bson:"created_at"`
}

type blockDoc struct {
	BlockerID string    `bson:"blocker_id"`
	BlockedID string    `bson:"blocked_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// conversationListDoc is a participant joined with its conversation. Fields
// are listed flat instead of with bson:",inline".
type conversationListDoc struct {
	ConversationID string    `bson:"conversation_id"`
	UnreadCount    int64     `bson:"unread_count"`
	JoinedAt       time.Time `bson:"joined_at"`
	Conv           convDoc   `bson:"conv"`
}

// --- Collection accessors ---

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) participants() *mongo.Collection  { return s.db.Collection("participants") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *MongoStore) tokens() *mongo.Collection        { return s.db.Collection("client_tokens") }
func (s *MongoStore) blocks() *mongo.Collection        { return s.db.Collection("blocks") }

// --- UUID helpers ---

func uuidToStr(id uuid.UUID) string { return id.String() }
func strToUUID(s string) uuid.UUID  { u, _ := uuid.Parse(s); return u }
func ptrUUIDToStr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
func ptrStrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	u := strToUUID(*s)
	return &u
}

// BSON dates carry millisecond precision.
func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (d convDoc) toModel() model.Conversation {
	return model.Conversation{
		ID:                   strToUUID(d.ID),
		PairKey:              d.PairKey,
		MessageSeq:           d.MessageSeq,
		LastMessageID:        ptrStrToUUID(d.LastMessageID),
		LastMessageCreatedAt: utcPtr(d.LastMessageCreatedAt),
		CreatedAt:            d.CreatedAt.UTC(),
		UpdatedAt:            d.UpdatedAt.UTC(),
	}
}

func (d participantDoc) toModel() model.Participant {
	return model.Participant{
		ConversationID:    strToUUID(d.ConversationID),
		UserID:            d.UserID,
		Role:              model.Role(d.Role),
		JoinedAt:          d.JoinedAt.UTC(),
		LastReadMessageID: ptrStrToUUID(d.LastReadMessageID),
		LastReadSeq:       d.LastReadSeq,
		UnreadCount:       d.UnreadCount,
		LastReadAt:        utcPtr(d.LastReadAt),
	}
}

func (d messageDoc) toModel() model.Message {
	return model.Message{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		AuthorID:       d.AuthorID,
		Body:           d.Body,
		AttachmentURL:  d.AttachmentURL,
		MimeType:       d.MimeType,
		ClientToken:    d.ClientToken,
		Seq:            d.Seq,
		CreatedAt:      d.CreatedAt.UTC(),
		EditedAt:       utcPtr(d.EditedAt),
		DeletedAt:      utcPtr(d.DeletedAt),
	}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// lockConversation takes the conversation's write lock for the rest of the
// transaction by bumping lock_version. Competing transactions hit a write
// conflict and are retried by WithTransaction.
func (s *MongoStore) lockConversation(ctx context.Context, conversationID uuid.UUID) (*convDoc, error) {
	var doc convDoc
	err := s.conversations().FindOneAndUpdate(ctx,
		bson.M{"_id": uuidToStr(conversationID)},
		bson.M{"$inc": bson.M{"lock_version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	return &doc, nil
}

// --- Conversations ---

func (s *MongoStore) findConversationByPair(ctx context.Context, pairKey string) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"pair_key": pairKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	conv := doc.toModel()
	return &conv, nil
}

func (s *MongoStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	key := model.PairKey(userA, userB)
	existing, err := s.findConversationByPair(ctx, key)
	if err != nil || existing != nil {
		return existing, false, err
	}

	ts := now()
	doc := convDoc{ID: uuidToStr(uuid.New()), PairKey: key, CreatedAt: ts, UpdatedAt: ts}
	err = s.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
			return err
		}
		_, err := s.participants().InsertMany(ctx, []participantDoc{
			{ConversationID: doc.ID, UserID: userA, Role: string(model.RoleMember), JoinedAt: ts},
			{ConversationID: doc.ID, UserID: userB, Role: string(model.RoleMember), JoinedAt: ts},
		})
		return err
	})
	if err == nil {
		conv := doc.toModel()
		return &conv, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	existing, err = s.findConversationByPair(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, &registrystore.ConflictError{Message: "conversation for pair was created concurrently but is not visible"}
	}
	return existing, false, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv := doc.toModel()
	return &conv, nil
}

func (s *MongoStore) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	cur, err := s.participants().Find(ctx,
		bson.M{"conversation_id": uuidToStr(conversationID)},
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}, {Key: "user_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	var docs []participantDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	out := make([]model.Participant, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (s *MongoStore) GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	var doc participantDoc
	err := s.participants().FindOne(ctx, bson.M{"conversation_id": uuidToStr(conversationID), "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "participant", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	p := doc.toModel()
	return &p, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string, offset, limit int) ([]model.ConversationView, int64, error) {
	total, err := s.participants().CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	// Missing last_message_created_at sorts lowest, so silent conversations
	// land after every active one in descending order.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "conversations",
			"localField":   "conversation_id",
			"foreignField": "_id",
			"as":           "conv",
		}}},
		{{Key: "$unwind", Value: "$conv"}},
		{{Key: "$sort", Value: bson.D{
			{Key: "conv.last_message_created_at", Value: -1},
			{Key: "joined_at", Value: -1},
			{Key: "conversation_id", Value: 1},
		}}},
		{{Key: "$skip", Value: int64(offset)}},
		{{Key: "$limit", Value: int64(limit)}},
	}
	cur, err := s.participants().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	var rows []conversationListDoc
	if err := cur.All(ctx, &rows); err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	if len(rows) == 0 {
		return []model.ConversationView{}, total, nil
	}

	convIDs := make([]string, 0, len(rows))
	var lastIDs []string
	for _, r := range rows {
		convIDs = append(convIDs, r.ConversationID)
		if r.Conv.LastMessageID != nil {
			lastIDs = append(lastIDs, *r.Conv.LastMessageID)
		}
	}

	peerCur, err := s.participants().Find(ctx, bson.M{
		"conversation_id": bson.M{"$in": convIDs},
		"user_id":         bson.M{"$ne": userID},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load peers: %w", err)
	}
	var peers []participantDoc
	if err := peerCur.All(ctx, &peers); err != nil {
		return nil, 0, fmt.Errorf("load peers: %w", err)
	}
	peerByConv := make(map[string]string, len(peers))
	for _, p := range peers {
		peerByConv[p.ConversationID] = p.UserID
	}

	lastByID := map[string]*model.Message{}
	if len(lastIDs) > 0 {
		msgCur, err := s.messages().Find(ctx, bson.M{"_id": bson.M{"$in": lastIDs}})
		if err != nil {
			return nil, 0, fmt.Errorf("load last messages: %w", err)
		}
		var msgs []messageDoc
		if err := msgCur.All(ctx, &msgs); err != nil {
			return nil, 0, fmt.Errorf("load last messages: %w", err)
		}
		for _, m := range msgs {
			msg := m.toModel()
			lastByID[m.ID] = &msg
		}
	}

	views := make([]model.ConversationView, 0, len(rows))
	for _, r := range rows {
		v := model.ConversationView{
			ID:          strToUUID(r.ConversationID),
			PeerUserID:  peerByConv[r.ConversationID],
			UnreadCount: r.UnreadCount,
			CreatedAt:   r.Conv.CreatedAt.UTC(),
			UpdatedAt:   r.Conv.UpdatedAt.UTC(),
		}
		if r.Conv.LastMessageID != nil {
			v.LastMessage = lastByID[*r.Conv.LastMessageID]
		}
		views = append(views, v)
	}
	return views, total, nil
}

// --- Blocks ---

func (s *MongoStore) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.blocks().UpdateOne(ctx,
		bson.M{"blocker_id": blockerID, "blocked_id": blockedID},
		bson.M{"$setOnInsert": blockDoc{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: now()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

func (s *MongoStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if _, err := s.blocks().DeleteOne(ctx, bson.M{"blocker_id": blockerID, "blocked_id": blockedID}); err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return nil
}

func (s *MongoStore) IsBlockedEither(ctx context.Context, userA, userB string) (bool, error) {
	n, err := s.blocks().CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"blocker_id": userA, "blocked_id": userB},
		bson.M{"blocker_id": userB, "blocked_id": userA},
	}})
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) ListBlocked(ctx context.Context, blockerID string) ([]model.Block, error) {
	cur, err := s.blocks().Find(ctx, bson.M{"blocker_id": blockerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	var docs []blockDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	out := make([]model.Block, 0, len(docs))
	for _, d := range docs {
		out = append(out, model.Block{BlockerID: d.BlockerID, BlockedID: d.BlockedID, CreatedAt: d.CreatedAt.UTC()})
	}
	return out, nil
}

// --- Messages ---

func (s *MongoStore) AppendMessage(ctx context.Context, in registrystore.NewMessage) (*registrystore.AppendResult, error) {
	var result registrystore.AppendResult
	convID := uuidToStr(in.ConversationID)
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		conv, err := s.lockConversation(ctx, in.ConversationID)
		if err != nil {
			return err
		}
		members, err := s.participants().CountDocuments(ctx, bson.M{"conversation_id": convID, "user_id": in.AuthorID})
		if err != nil {
			return fmt.Errorf("check participant: %w", err)
		}
		if members == 0 {
			return &registrystore.ForbiddenError{Reason: "not a participant of this conversation"}
		}

		var bound tokenDoc
		err = s.tokens().FindOne(ctx, bson.M{"_id": in.ClientToken}).Decode(&bound)
		switch {
		case err == nil:
			if bound.ConversationID != convID {
				return &registrystore.InvalidOperationError{Message: "client token already used in another conversation"}
			}
			var original messageDoc
			if err := s.messages().FindOne(ctx, bson.M{"_id": bound.MessageID}).Decode(&original); err != nil {
				return fmt.Errorf("load replayed message: %w", err)
			}
			result = registrystore.AppendResult{Message: original.toModel(), Replayed: true}
			return nil
		case !errors.Is(err, mongo.ErrNoDocuments):
			return fmt.Errorf("lookup client token: %w", err)
		}

		createdAt := now()
		if conv.LastMessageCreatedAt != nil && !createdAt.After(*conv.LastMessageCreatedAt) {
			createdAt = conv.LastMessageCreatedAt.UTC().Add(time.Millisecond)
		}
		msg := messageDoc{
			ID:             uuidToStr(uuid.Must(uuid.NewV7())),
			ConversationID: convID,
			AuthorID:       in.AuthorID,
			Body:           in.Body,
			AttachmentURL:  in.AttachmentURL,
			MimeType:       in.MimeType,
			ClientToken:    in.ClientToken,
			Seq:            conv.MessageSeq + 1,
			CreatedAt:      createdAt,
		}
		if _, err := s.tokens().InsertOne(ctx, tokenDoc{
			Token:          in.ClientToken,
			MessageID:      msg.ID,
			ConversationID: convID,
			AuthorID:       in.AuthorID,
			CreatedAt:      createdAt,
		}); err != nil {
			return err
		}
		if _, err := s.messages().InsertOne(ctx, msg); err != nil {
			return err
		}
		if _, err := s.conversations().UpdateOne(ctx, bson.M{"_id": convID}, bson.M{"$set": bson.M{
			"message_seq":             msg.Seq,
			"last_message_id":         msg.ID,
			"last_message_created_at": createdAt,
			"updated_at":              createdAt,
		}}); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		if _, err := s.participants().UpdateMany(ctx,
			bson.M{"conversation_id": convID, "user_id": bson.M{"$ne": in.AuthorID}},
			bson.M{"$inc": bson.M{"unread_count": 1}},
		); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
		result = registrystore.AppendResult{Message: msg.toModel()}
		return nil
	})
	if err == nil {
		return &result, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, err
	}

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

func (s *MongoStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": uuidToStr(messageID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m := doc.toModel()
	return &m, nil
}

func (s *MongoStore) FindMessageByToken(ctx context.Context, clientToken string) (*model.Message, error) {
	var bound tokenDoc
	err := s.tokens().FindOne(ctx, bson.M{"_id": clientToken}).Decode(&bound)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "client token", ID: clientToken}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client token: %w", err)
	}
	return s.GetMessage(ctx, strToUUID(bound.MessageID))
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID uuid.UUID, offset, limit int) ([]model.Message, int64, error) {
	filter := bson.M{"conversation_id": uuidToStr(conversationID)}
	total, err := s.messages().CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	cur, err := s.messages().Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	out := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, total, nil
}

// --- Read state ---

func (s *MongoStore) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, messageID uuid.UUID) (*model.Participant, error) {
	var updated model.Participant
	convID := uuidToStr(conversationID)
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.lockConversation(ctx, conversationID); err != nil {
			return err
		}
		var p participantDoc
		err := s.participants().FindOne(ctx, bson.M{"conversation_id": convID, "user_id": userID}).Decode(&p)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &registrystore.ForbiddenError{Reason: "not a participant of this conversation"}
		}
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		var target messageDoc
		err = s.messages().FindOne(ctx, bson.M{"_id": uuidToStr(messageID), "conversation_id": convID}).Decode(&target)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}

		if target.Seq > p.LastReadSeq || p.LastReadMessageID == nil {
			id := target.ID
			p.LastReadMessageID = &id
			if target.Seq > p.LastReadSeq {
				p.LastReadSeq = target.Seq
			}
		}
		unread, err := s.messages().CountDocuments(ctx, bson.M{
			"conversation_id": convID,
			"seq":             bson.M{"$gt": p.LastReadSeq},
			"author_id":       bson.M{"$ne": userID},
		})
		if err != nil {
			return fmt.Errorf("count unread: %w", err)
		}
		ts := now()
		p.UnreadCount = unread
		p.LastReadAt = &ts
		if _, err := s.participants().UpdateOne(ctx,
			bson.M{"conversation_id": convID, "user_id": userID},
			bson.M{"$set": bson.M{
				"last_read_message_id": p.LastReadMessageID,
				"last_read_seq":        p.LastReadSeq,
				"unread_count":         p.UnreadCount,
				"last_read_at":         ts,
			}},
		); err != nil {
			return fmt.Errorf("update read state: %w", err)
		}
		updated = p.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

var _ registrystore.ChatStore = (*MongoStore)(nil)
