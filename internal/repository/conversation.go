package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gizchat/internal/models"
	"gizchat/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxCreateAttempts bounds the find/insert loop in GetOrCreate. A second
// attempt always finds the row the competing insert created.
const maxCreateAttempts = 3

// ConversationRepository owns conversation identity, pair uniqueness and the
// per-participant unread counters and hide watermarks.
type ConversationRepository interface {
	GetOrCreate(ctx context.Context, initiatorID, peerID uint) (*models.Conversation, bool, error)
	GetByID(ctx context.Context, id uint) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID uint) ([]*models.Conversation, error)
	RecordMessage(ctx context.Context, conversationID, senderID, messageID uint) (uint, error)
	MarkRead(ctx context.Context, conversationID, userID uint) error
	Hide(ctx context.Context, conversationID, userID uint, at time.Time) error
}

type conversationRepository struct {
	db     *gorm.DB
	reader *gorm.DB
}

var conversationLog = observability.NewRepoLogger("conversations")

// NewConversationRepository returns a ConversationRepository implementation.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db, reader: readDB(db)}
}

// GetOrCreate returns the single conversation for the unordered pair, creating
// it when absent. Concurrent callers race on the pair's unique index; the
// loser re-reads the winner's row.
func (r *conversationRepository) GetOrCreate(ctx context.Context, initiatorID, peerID uint) (*models.Conversation, bool, error) {
	if initiatorID == peerID {
		return nil, false, models.NewInvalidPairError(initiatorID)
	}
	defer observability.TrackQuery("get_or_create", "conversations")()

	low, high := models.CanonicalPair(initiatorID, peerID)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		conv, err := r.findPair(ctx, low, high)
		if err != nil {
			return nil, false, err
		}
		if conv != nil {
			return conv, false, nil
		}

		conv = &models.Conversation{
			FirstID:  initiatorID,
			SecondID: peerID,
			PairLow:  low,
			PairHigh: high,
		}
		// The inner transaction becomes a savepoint when the caller already
		// holds one, so a unique violation does not poison the outer tx.
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Omit(clause.Associations).Create(conv).Error
		})
		if err == nil {
			conversationLog.LogCreate(ctx, map[string]interface{}{"id": conv.ID, "first": initiatorID, "second": peerID})
			return conv, true, nil
		}
		if !isUniqueConstraintError(err) {
			conversationLog.LogError(ctx, err, "create")
			return nil, false, models.NewInternalError(err)
		}
	}
	return nil, false, models.NewInternalError(fmt.Errorf("conversation %d/%d: create kept conflicting", low, high))
}

// findPair resolves legacy duplicates deterministically: earliest row wins.
func (r *conversationRepository) findPair(ctx context.Context, low, high uint) (*models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("pair_low = ? AND pair_high = ?", low, high).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&convs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.reader.WithContext(ctx).
		Preload("First").
		Preload("Second").
		First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

// ListForUser returns the user's visible conversations, most recent activity
// first. A conversation touched after the user hid it is visible again.
func (r *conversationRepository) ListForUser(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	defer observability.TrackQuery("list_for_user", "conversations")()

	var convs []*models.Conversation
	err := r.reader.WithContext(ctx).
		Where("((first_id = ? AND (deleted_at_first IS NULL OR updated_at > deleted_at_first)) OR "+
			"(second_id = ? AND (deleted_at_second IS NULL OR updated_at > deleted_at_second)))", userID, userID).
		Where("first_id <> second_id").
		Preload("First").
		Preload("Second").
		Preload("Message").
		Order("updated_at DESC, id DESC").
		Find(&convs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return convs, nil
}

// RecordMessage points the conversation at its newest message, bumps the
// peer's unread counter with a SQL-side increment and clears the sender's.
// It returns the peer's id.
func (r *conversationRepository) RecordMessage(ctx context.Context, conversationID, senderID, messageID uint) (uint, error) {
	conv, err := r.participantRow(ctx, conversationID, senderID)
	if err != nil {
		return 0, err
	}

	own, other := "unread_first", "unread_second"
	if conv.SecondID == senderID {
		own, other = other, own
	}

	res := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			other:        gorm.Expr(other+" + ?", 1),
			own:          0,
			"message_id": messageID,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		conversationLog.LogError(ctx, res.Error, "record_message")
		return 0, models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, models.NewNotFoundError("Conversation", conversationID)
	}
	return conv.PeerOf(senderID), nil
}

// MarkRead zeroes the user's unread counter without touching updated_at, so
// reading never reorders the list or undoes a hide.
func (r *conversationRepository) MarkRead(ctx context.Context, conversationID, userID uint) error {
	conv, err := r.participantRow(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	column := "unread_first"
	if conv.SecondID == userID {
		column = "unread_second"
	}
	if err := r.db.WithContext(ctx).Model(conv).UpdateColumn(column, 0).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// Hide sets the user's delete watermark. The peer's view is unaffected.
func (r *conversationRepository) Hide(ctx context.Context, conversationID, userID uint, at time.Time) error {
	conv, err := r.participantRow(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	column := "deleted_at_first"
	if conv.SecondID == userID {
		column = "deleted_at_second"
	}
	if err := r.db.WithContext(ctx).Model(conv).UpdateColumn(column, at).Error; err != nil {
		return models.NewInternalError(err)
	}
	conversationLog.LogUpdate(ctx, map[string]interface{}{"id": conversationID, "hidden_by": userID})
	return nil
}

func (r *conversationRepository) participantRow(ctx context.Context, conversationID, userID uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", conversationID)
		}
		return nil, models.NewInternalError(err)
	}
	if !conv.Includes(userID) {
		return nil, models.NewAccessDeniedError(conversationID)
	}
	return &conv, nil
}
