// Package service orchestrates direct messaging: starting conversations,
// sending and listing messages, read markers and realtime fan-out.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/realtime"
	registrybroadcast "github.com/chirino/chat-service/internal/registry/broadcast"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Options bounds user input and cache lifetimes.
type Options struct {
	MaxBodyLength        int
	MaxClientTokenLength int
	CacheTTL             time.Duration
}

// DefaultOptions matches config.DefaultConfig.
func DefaultOptions() Options {
	return Options{
		MaxBodyLength:        10_000,
		MaxClientTokenLength: 200,
		CacheTTL:             10 * time.Minute,
	}
}

// ConversationService is the entry point for every chat operation.
type ConversationService struct {
	store       registrystore.ChatStore
	cache       registrycache.ParticipantCache
	broadcaster registrybroadcast.Broadcaster
	opts        Options

	locks        *keyedMutex
	participants singleflight.Group
}

// NewConversationService wires a service from its dependencies. cache may be nil.
func NewConversationService(store registrystore.ChatStore, cache registrycache.ParticipantCache, broadcaster registrybroadcast.Broadcaster, opts Options) *ConversationService {
	def := DefaultOptions()
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = def.MaxBodyLength
	}
	if opts.MaxClientTokenLength <= 0 {
		opts.MaxClientTokenLength = def.MaxClientTokenLength
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	return &ConversationService{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		opts:        opts,
		locks:       newKeyedMutex(),
	}
}

// StartResult is returned by Start.
type StartResult struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Created        bool      `json:"created"`
}

// Start returns the direct conversation between caller and peer, creating it
// when none exists.
func (s *ConversationService) Start(ctx context.Context, callerID, peerID string) (*StartResult, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, &registrystore.ValidationError{Field: "peerUserId", Message: "is required"}
	}
	if peerID == callerID {
		return nil, &registrystore.InvalidOperationError{Message: "cannot start a conversation with yourself"}
	}
	blocked, err := s.store.IsBlockedEither(ctx, callerID, peerID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, &registrystore.ForbiddenError{Reason: "conversation between these users is blocked"}
	}

	conv, created, err := s.store.FindOrCreateDirectConversation(ctx, callerID, peerID)
	if err != nil {
		return nil, err
	}
	if created {
		log.Debug("Conversation created", "conversation", conv.ID, "caller", callerID, "peer", peerID)
		s.publishConversationUpdated(ctx, []string{callerID, peerID}, realtime.ConversationUpdated{
			ID:        conv.ID,
			UpdatedAt: conv.UpdatedAt,
		})
	}
	return &StartResult{ConversationID: conv.ID, Created: created}, nil
}

// SendRequest carries a send call's input.
type SendRequest struct {
	CallerID       string
	ConversationID uuid.UUID
	Body           string
	ClientToken    string
	AttachmentURL  *string
	MimeType       *string
}

// SendResult is the stored message and whether it was replayed from an
// earlier send with the same client token.
type SendResult struct {
	Message  model.Message
	Replayed bool
}

// Send appends a message. Retrying with the same client token returns the
// original message without any further side effects.
func (s *ConversationService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := s.validateClientToken(req.ClientToken); err != nil {
		return nil, err
	}
	participants, err := s.requireParticipant(ctx, req.ConversationID, req.CallerID)
	if err != nil {
		return nil, err
	}

	// A retry returns the stored message even when its input went stale, so
	// the body is only checked for tokens that are not bound yet.
	original, err := s.boundMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if original != nil {
		security.Inc(security.SendReplaysTotal)
		log.Debug("Send replayed", "conversation", req.ConversationID, "message", original.ID)
		return &SendResult{Message: *original, Replayed: true}, nil
	}
	if req.AttachmentURL != nil && strings.TrimSpace(*req.AttachmentURL) == "" {
		req.AttachmentURL = nil
	}
	if strings.TrimSpace(req.Body) == "" && req.AttachmentURL == nil {
		return nil, &registrystore.InvalidOperationError{Message: "message body is empty"}
	}
	if utf8.RuneCountInString(req.Body) > s.opts.MaxBodyLength {
		return nil, &registrystore.ValidationError{Field: "body", Message: fmt.Sprintf("must be at most %d characters", s.opts.MaxBodyLength)}
	}

	// Holding the conversation lock across append and publish keeps local
	// fan-out in commit order.
	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	res, err := s.store.AppendMessage(ctx, registrystore.NewMessage{
		ConversationID: req.ConversationID,
		AuthorID:       req.CallerID,
		Body:           req.Body,
		AttachmentURL:  req.AttachmentURL,
		MimeType:       req.MimeType,
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		security.Inc(security.SendReplaysTotal)
		log.Debug("Send replayed", "conversation", req.ConversationID, "message", res.Message.ID)
		return &SendResult{Message: res.Message, Replayed: true}, nil
	}
	security.Inc(security.MessagesSentTotal)

	msg := res.Message
	s.publish(ctx, realtime.ConversationRoom(msg.ConversationID), realtime.EventMessageNew, realtime.MessageNew{
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	s.publishConversationUpdated(ctx, participants, realtime.ConversationUpdated{
		ID:          msg.ConversationID,
		UpdatedAt:   msg.CreatedAt,
		LastMessage: &msg,
	})
	return &SendResult{Message: msg}, nil
}

// Page is one page of an offset-paginated listing.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

func offsetOf(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// ListConversations returns the caller's conversations, most recently active first.
func (s *ConversationService) ListConversations(ctx context.Context, callerID string, page, limit int) (*Page[model.ConversationView], error) {
	items, total, err := s.store.ListConversations(ctx, callerID, offsetOf(page, limit), limit)
	if err != nil {
		return nil, err
	}
	return &Page[model.ConversationView]{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// ListMessages returns a page of the conversation's messages, oldest first.
func (s *ConversationService) ListMessages(ctx context.Context, callerID string, conversationID uuid.UUID, page, limit int) (*Page[model.Message], error) {
	if _, err := s.requireParticipant(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	items, total, err := s.store.ListMessages(ctx, conversationID, offsetOf(page, limit), limit)
	if err != nil {
		return nil, err
	}
	return &Page[model.Message]{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// MarkRead moves the caller's read pointer to messageID and returns the
// caller's participant row with its recomputed unread counter.
func (s *ConversationService) MarkRead(ctx context.Context, callerID string, conversationID, messageID uuid.UUID) (*model.Participant, error) {
	if _, err := s.requireParticipant(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return s.store.MarkRead(ctx, conversationID, callerID, messageID)
}

// CanJoin reports whether userID may subscribe to the conversation's room.
func (s *ConversationService) CanJoin(ctx context.Context, userID string, conversationID uuid.UUID) error {
	_, err := s.requireParticipant(ctx, conversationID, userID)
	return err
}

// Block records that callerID blocked userID. Existing conversations are untouched.
func (s *ConversationService) Block(ctx context.Context, callerID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &registrystore.ValidationError{Field: "userId", Message: "is required"}
	}
	if userID == callerID {
		return &registrystore.InvalidOperationError{Message: "cannot block yourself"}
	}
	return s.store.Block(ctx, callerID, userID)
}

// Unblock removes callerID's block on userID if any.
func (s *ConversationService) Unblock(ctx context.Context, callerID, userID string) error {
	return s.store.Unblock(ctx, callerID, userID)
}

// ListBlocked returns the users callerID has blocked.
func (s *ConversationService) ListBlocked(ctx context.Context, callerID string) ([]model.Block, error) {
	return s.store.ListBlocked(ctx, callerID)
}

func (s *ConversationService) validateClientToken(token string) error {
	if token == "" {
		return &registrystore.InvalidOperationError{Message: "clientToken is required"}
	}
	if len(token) > s.opts.MaxClientTokenLength {
		return &registrystore.InvalidOperationError{Message: fmt.Sprintf("clientToken must be at most %d bytes", s.opts.MaxClientTokenLength)}
	}
	if !utf8.ValidString(token) || strings.IndexFunc(token, unicode.IsControl) >= 0 {
		return &registrystore.InvalidOperationError{Message: "clientToken contains invalid characters"}
	}
	if strings.TrimSpace(token) == "" {
		return &registrystore.InvalidOperationError{Message: "clientToken is blank"}
	}
	return nil
}

// boundMessage returns the message already stored under the request's client
// token, or nil when the token is unused.
func (s *ConversationService) boundMessage(ctx context.Context, req SendRequest) (*model.Message, error) {
	msg, err := s.store.FindMessageByToken(ctx, req.ClientToken)
	var notFound *registrystore.NotFoundError
	if errors.As(err, &notFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != req.ConversationID {
		return nil, &registrystore.InvalidOperationError{Message: "client token already used in another conversation"}
	}
	return msg, nil
}

// requireParticipant returns the conversation's participant ids after
// checking that userID is one of them.
func (s *ConversationService) requireParticipant(ctx context.Context, conversationID uuid.UUID, userID string) ([]string, error) {
	ids, err := s.participantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ids, userID) {
		return nil, &registrystore.ForbiddenError{Reason: "not a participant of this conversation"}
	}
	return ids, nil
}

func (s *ConversationService) participantIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	if s.cache != nil && s.cache.Available() {
		ids, err := s.cache.Get(ctx, conversationID)
		if err != nil {
			log.Warn("Participant cache read failed", "conversation", conversationID, "err", err)
		} else if ids != nil {
			security.Inc(security.CacheHitsTotal)
			return ids, nil
		}
		security.Inc(security.CacheMissesTotal)
	}

	// Callers share one lookup, so it must outlive whichever request started it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.participants.Do(conversationID.String(), func() (any, error) {
		ctx := shared
		participants, err := s.store.GetParticipants(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if len(participants) == 0 {
			// Distinguish an unknown conversation from an empty one.
			if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
				return nil, err
			}
			return []string{}, nil
		}
		ids := make([]string, 0, len(participants))
		for _, p := range participants {
			ids = append(ids, p.UserID)
		}
		if s.cache != nil && s.cache.Available() {
			if err := s.cache.Set(ctx, conversationID, ids, s.opts.CacheTTL); err != nil {
				log.Warn("Participant cache write failed", "conversation", conversationID, "err", err)
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}

func (s *ConversationService) publishConversationUpdated(ctx context.Context, userIDs []string, payload realtime.ConversationUpdated) {
	for _, userID := range userIDs {
		s.publish(ctx, realtime.UserRoom(userID), realtime.EventConversationUpdated, payload)
	}
}

// publish is best effort: failures are logged and never reach the caller.
func (s *ConversationService) publish(ctx context.Context, room, eventType string, payload any) {
	if s.broadcaster == nil {
		return
	}
	ev, err := realtime.NewEvent(eventType, payload)
	if err != nil {
		log.Error("Failed to encode realtime event", "type", eventType, "err", err)
		return
	}
	if err := s.broadcaster.Publish(context.WithoutCancel(ctx), room, ev); err != nil {
		log.Warn("Realtime publish failed", "room", room, "type", eventType, "err", err)
	}
}
