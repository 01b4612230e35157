package repository

import (
	"context"
	"iter"
	"slices"
	"time"

	"gizchat/internal/models"
	"gizchat/internal/observability"

	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageRepository persists immutable messages and reads them back in id
// order.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	Since(ctx context.Context, conversationID, lastID uint) iter.Seq2[*models.Message, error]
	History(ctx context.Context, conversationID uint, after *time.Time, beforeID uint, limit int) ([]*models.Message, error)
}

type messageRepository struct {
	db     *gorm.DB
	reader *gorm.DB
}

var messageLog = observability.NewRepoLogger("messages")

// NewMessageRepository returns a MessageRepository implementation.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db, reader: readDB(db)}
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	defer observability.TrackQuery("create", "messages")()
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "create", "messages")
	defer span.End()
	if err := r.db.WithContext(ctx).Omit("Sender").Create(msg).Error; err != nil {
		observability.RecordSpanError(span, err)
		messageLog.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	messageLog.LogCreate(ctx, map[string]interface{}{"id": msg.ID, "conversation_id": msg.ConversationID})
	return nil
}

// Since yields the conversation's messages with id > lastID in ascending id
// order. Every range over the sequence issues a fresh query; nothing is
// retained between iterations. The primary is used so a message that was
// just written is never missed by a catch-up.
func (r *messageRepository) Since(ctx context.Context, conversationID, lastID uint) iter.Seq2[*models.Message, error] {
	return func(yield func(*models.Message, error) bool) {
		rows, err := r.db.WithContext(ctx).
			Model(&models.Message{}).
			Where("conversation_id = ? AND id > ?", conversationID, lastID).
			Order("id ASC").
			Rows()
		if err != nil {
			yield(nil, models.NewInternalError(err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var msg models.Message
			if err := r.db.ScanRows(rows, &msg); err != nil {
				yield(nil, models.NewInternalError(err))
				return
			}
			if !yield(&msg, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, models.NewInternalError(err))
		}
	}
}

// History pages backwards from beforeID (0 = newest) and returns the page in
// ascending order. Messages at or before after are skipped; callers pass the
// reader's hide watermark.
func (r *messageRepository) History(ctx context.Context, conversationID uint, after *time.Time, beforeID uint, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "history", "messages")
	defer span.End()

	q := r.reader.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if after != nil {
		q = q.Where("created_at > ?", *after)
	}
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []*models.Message
	if err := q.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		observability.RecordSpanError(span, err)
		return nil, models.NewInternalError(err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
