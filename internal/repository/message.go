package repository

import (
	"context"
	"errors"
	"time"

	"murmur/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository defines persistence operations for messages, their
// delivery rows, read receipts, and edit history.
type MessageRepository interface {
	CreateWithDeliveries(ctx context.Context, msg *models.Message, recipientIDs []uint) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID uint, limit, offset int) ([]*models.Message, error)
	MarkDelivered(ctx context.Context, messageID, userID uint) (bool, error)
	MarkRead(ctx context.Context, messageIDs []uint, readerID uint) (int64, error)
	SoftDelete(ctx context.Context, messageID uint) error
	ApplyEdit(ctx context.Context, msg *models.Message, edit *models.MessageEdit) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// CreateWithDeliveries persists the message and one pending delivery row per
// recipient in a single transaction.
func (r *messageRepository) CreateWithDeliveries(ctx context.Context, msg *models.Message, recipientIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if len(recipientIDs) == 0 {
			return nil
		}
		deliveries := make([]models.MessageDelivery, 0, len(recipientIDs))
		for _, uid := range recipientIDs {
			deliveries = append(deliveries, models.MessageDelivery{MessageID: msg.ID, UserID: uid})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&deliveries).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &msg, nil
}

// GetChatMessages returns messages newest-first. Soft-deleted rows are
// included so clients can render tombstones.
func (r *messageRepository) GetChatMessages(ctx context.Context, chatID uint, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Preload("Sender").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}

// MarkDelivered sets delivered_at on the (message, user) delivery row only
// when it is still null. Reports whether the row changed; duplicate calls
// across instances are absorbed by the guard.
func (r *messageRepository) MarkDelivered(ctx context.Context, messageID, userID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.MessageDelivery{}).
		Where("message_id = ? AND user_id = ? AND delivered_at IS NULL", messageID, userID).
		Update("delivered_at", time.Now().UTC())
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkRead marks the given messages read for the reader. A message
// qualifies only when the reader is not its sender, the reader is a current
// participant of its chat, and read_at is still null. Returns the number of
// messages updated; re-applying the same batch is a no-op.
func (r *messageRepository) MarkRead(ctx context.Context, messageIDs []uint, readerID uint) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var eligible []uint
		err := tx.Model(&models.Message{}).
			Where("id IN ?", messageIDs).
			Where("sender_id <> ?", readerID).
			Where("read_at IS NULL").
			Where("EXISTS (SELECT 1 FROM participants p WHERE p.chat_id = messages.chat_id AND p.user_id = ?)", readerID).
			Pluck("id", &eligible).Error
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}

		now := time.Now().UTC()
		res := tx.Model(&models.Message{}).
			Where("id IN ?", eligible).
			Update("read_at", now)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected

		receipts := make([]models.MessageRead, 0, len(eligible))
		for _, id := range eligible {
			receipts = append(receipts, models.MessageRead{MessageID: id, UserID: readerID, ReadAt: now})
		}
		// First read wins; the read_at IS NULL filter above makes a
		// second reader a complete no-op, so no receipt row either.
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts).Error
	})
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return affected, nil
}

// SoftDelete tombstones the message; the row stays so receipts keep their
// referent.
func (r *messageRepository) SoftDelete(ctx context.Context, messageID uint) error {
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", messageID).
		Update("is_deleted", true).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// ApplyEdit updates the message content and appends the history row in one
// transaction.
func (r *messageRepository) ApplyEdit(ctx context.Context, msg *models.Message, edit *models.MessageEdit) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Message{}).
			Where("id = ?", msg.ID).
			Updates(map[string]interface{}{
				"content":   msg.Content,
				"is_edited": true,
			})
		if res.Error != nil {
			return res.Error
		}
		return tx.Create(edit).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
