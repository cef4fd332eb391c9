package repository

import (
	"context"
	"errors"

	"murmur/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines persistence operations for chats and membership.
type ChatRepository interface {
	Create(ctx context.Context, chat *models.ChatRoom) error
	GetByID(ctx context.Context, id uint) (*models.ChatRoom, error)
	GetUserChats(ctx context.Context, userID uint) ([]*models.ChatRoom, error)
	ChatIDsForUser(ctx context.Context, userID uint) ([]uint, error)
	ChatMemberIDs(ctx context.Context, chatID uint) ([]uint, error)
	IsParticipant(ctx context.Context, chatID, userID uint) (bool, error)
	AddParticipant(ctx context.Context, chatID, userID uint) error
	RemoveParticipant(ctx context.Context, chatID, userID uint) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Create(ctx context.Context, chat *models.ChatRoom) error {
	if err := r.db.WithContext(ctx).Create(chat).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRepository) GetByID(ctx context.Context, id uint) (*models.ChatRoom, error) {
	var chat models.ChatRoom
	err := r.db.WithContext(ctx).
		Preload("Participants").
		First(&chat, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Chat", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &chat, nil
}

func (r *chatRepository) GetUserChats(ctx context.Context, userID uint) ([]*models.ChatRoom, error) {
	var chats []*models.ChatRoom
	err := r.db.WithContext(ctx).
		Joins("JOIN participants p ON chat_rooms.id = p.chat_id").
		Where("p.user_id = ?", userID).
		Preload("Participants").
		Order("chat_rooms.created_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return chats, nil
}

func (r *chatRepository) ChatIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("user_id = ?", userID).
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

func (r *chatRepository) ChatMemberIDs(ctx context.Context, chatID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("chat_id = ?", chatID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

func (r *chatRepository) IsParticipant(ctx context.Context, chatID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *chatRepository) AddParticipant(ctx context.Context, chatID, userID uint) error {
	participant := models.Participant{ChatID: chatID, UserID: userID}
	// Membership is a set: re-adding is a no-op.
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&participant).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRepository) RemoveParticipant(ctx context.Context, chatID, userID uint) error {
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&models.Participant{}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
