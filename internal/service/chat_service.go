// Package service provides the chat business rules shared by the REST
// handlers and the websocket sessions.
package service

import (
	"context"
	"slices"
	"time"

	"gizchat/internal/models"
	"gizchat/internal/observability"
	"gizchat/internal/repository"
	"gizchat/internal/validation"

	"go.opentelemetry.io/otel/attribute"
)

// Message sources for metrics.
const (
	SourceWebSocket = "ws"
	SourceHTTP      = "http"
)

// ChatService provides conversation and message business logic.
type ChatService struct {
	store            repository.ChatStore
	maxMessageLength int
}

// ChatServiceOptions tunes validation limits.
type ChatServiceOptions struct {
	MaxMessageLength int
}

// NewChatService returns a new ChatService.
func NewChatService(store repository.ChatStore, opts ChatServiceOptions) *ChatService {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = validation.DefaultMaxMessageLength
	}
	return &ChatService{
		store:            store,
		maxMessageLength: opts.MaxMessageLength,
	}
}

// ResolveConversation loads a conversation the user participates in together
// with the other participant.
func (s *ChatService) ResolveConversation(ctx context.Context, userID, conversationID uint) (*models.Conversation, *models.User, error) {
	ctx, span := observability.GetTraceLayer().TraceServiceToRepository(ctx, "conversations", "GetByID")
	defer span.End()
	span.SetAttributes(attribute.Int("conversation.id", int(conversationID)))

	conv, err := s.store.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, nil, err
	}
	if !conv.Includes(userID) {
		return nil, nil, models.NewAccessDeniedError(conversationID)
	}

	peer, err := s.peerOf(ctx, conv, userID)
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, nil, err
	}
	return conv, peer, nil
}

// OpenConversation returns the conversation between userID and peerID,
// creating it on first contact.
func (s *ChatService) OpenConversation(ctx context.Context, userID, peerID uint) (*models.Conversation, *models.User, bool, error) {
	if userID == peerID {
		return nil, nil, false, models.NewInvalidPairError(userID)
	}

	ctx, span := observability.GetTraceLayer().TraceServiceToRepository(ctx, "conversations", "GetOrCreate")
	defer span.End()

	peer, err := s.store.Users().GetByID(ctx, peerID)
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, nil, false, err
	}

	conv, created, err := s.store.Conversations().GetOrCreate(ctx, userID, peerID)
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, nil, false, err
	}
	span.SetAttributes(
		attribute.Int("conversation.id", int(conv.ID)),
		attribute.Bool("conversation.created", created),
	)
	return conv, peer, created, nil
}

// SendMessage validates and persists a message and updates the unread
// counters in the same transaction. It returns the stored message and the
// peer who should be notified.
func (s *ChatService) SendMessage(ctx context.Context, draft models.MessageDraft, source string) (*models.Message, uint, error) {
	msg, err := s.buildMessage(draft)
	if err != nil {
		return nil, 0, err
	}

	ctx, span := observability.GetTraceLayer().TraceServiceToRepository(ctx, "messages", "Send")
	defer span.End()
	span.SetAttributes(
		attribute.Int("conversation.id", int(draft.ConversationID)),
		attribute.String("message.type", msg.Type.String()),
	)

	var peerID uint
	err = s.store.Transaction(ctx, func(tx repository.ChatStore) error {
		// Check membership before inserting so a foreign sender never
		// leaves a message row behind.
		conv, err := tx.Conversations().GetByID(ctx, draft.ConversationID)
		if err != nil {
			return err
		}
		if !conv.Includes(draft.SenderID) {
			return models.NewAccessDeniedError(draft.ConversationID)
		}
		if err := tx.Messages().Create(ctx, msg); err != nil {
			return err
		}
		peerID, err = tx.Conversations().RecordMessage(ctx, draft.ConversationID, draft.SenderID, msg.ID)
		return err
	})
	if err != nil {
		observability.RecordSpanError(span, err)
		return nil, 0, err
	}

	observability.RecordMessage(msg.Type.String(), source)
	return msg, peerID, nil
}

func (s *ChatService) buildMessage(draft models.MessageDraft) (*models.Message, error) {
	if draft.Type == 0 {
		draft.Type = models.MessageText
	}
	if err := validation.ValidateMessageType(draft.Type); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if err := validation.ValidateMessageBody(draft.Body, s.maxMessageLength); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if err := validation.ValidateAttachmentURL(draft.Image); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	ratio, err := validation.NormalizeRatio(draft.Ratio)
	if err != nil {
		return nil, models.NewValidationError(err.Error())
	}

	return &models.Message{
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		Type:           draft.Type,
		Body:           draft.Body,
		Image:          draft.Image,
		Ratio:          ratio,
	}, nil
}

// MessagesSince returns every message after lastID in ascending id order.
func (s *ChatService) MessagesSince(ctx context.Context, conversationID, lastID uint) ([]*models.Message, error) {
	ctx, span := observability.GetTraceLayer().TraceServiceToRepository(ctx, "messages", "Since")
	defer span.End()

	msgs := make([]*models.Message, 0)
	for msg, err := range s.store.Messages().Since(ctx, conversationID, lastID) {
		if err != nil {
			observability.RecordSpanError(span, err)
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	span.SetAttributes(attribute.Int("messages.count", len(msgs)))
	return msgs, nil
}

// ListConversations returns the user's visible conversations.
func (s *ChatService) ListConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	convs, err := s.store.Conversations().ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	// The SQL filter is a prefilter; SQLite compares the timestamps as text.
	return slices.DeleteFunc(convs, func(c *models.Conversation) bool {
		return !c.VisibleTo(userID)
	}), nil
}

// History returns a page of messages the user can still see, honoring their
// hide watermark.
func (s *ChatService) History(ctx context.Context, userID, conversationID, beforeID uint, limit int) ([]*models.Message, error) {
	conv, _, err := s.ResolveConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.store.Messages().History(ctx, conversationID, conv.DeletedAtFor(userID), beforeID, limit)
}

// HideConversation removes the conversation from the user's list until the
// next message arrives. The peer is unaffected.
func (s *ChatService) HideConversation(ctx context.Context, userID, conversationID uint) error {
	return s.store.Conversations().Hide(ctx, conversationID, userID, time.Now())
}

// MarkRead clears the user's unread counter.
func (s *ChatService) MarkRead(ctx context.Context, userID, conversationID uint) error {
	return s.store.Conversations().MarkRead(ctx, conversationID, userID)
}

func (s *ChatService) peerOf(ctx context.Context, conv *models.Conversation, userID uint) (*models.User, error) {
	if peer := conv.PeerUser(userID); peer != nil {
		return peer, nil
	}
	return s.store.Users().GetByID(ctx, conv.PeerOf(userID))
}
