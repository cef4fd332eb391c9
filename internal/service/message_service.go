// Package service implements the business logic layer.
package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"murmur/internal/models"
	"murmur/internal/repository"
)

// MaxContentLength is the upper bound on message content after trimming.
const MaxContentLength = 2000

// MaxHistoryPage caps a single history fetch.
const MaxHistoryPage = 100

// MessageService owns the message state machine: create with delivery
// stubs, guarded delivered/read transitions, soft delete, and edits with
// history. Publishing to the bus is the caller's responsibility so the
// service stays testable without one.
type MessageService struct {
	messages repository.MessageRepository
	chats    repository.ChatRepository
}

// NewMessageService creates a new message service.
func NewMessageService(messages repository.MessageRepository, chats repository.ChatRepository) *MessageService {
	return &MessageService{messages: messages, chats: chats}
}

// SendMessage validates and persists a message plus one pending delivery
// row per other participant. The returned message is what gets published.
func (s *MessageService) SendMessage(ctx context.Context, chatID, senderID uint, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("Message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, models.NewValidationError("Message content exceeds 2000 characters")
	}

	member, err := s.chats.IsParticipant(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, models.NewForbiddenError("Sender is not a participant of this chat")
	}

	recipients, err := s.chats.ChatMemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	others := make([]uint, 0, len(recipients))
	for _, uid := range recipients {
		if uid != senderID {
			others = append(others, uid)
		}
	}

	msg := &models.Message{
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	}
	if err := s.messages.CreateWithDeliveries(ctx, msg, others); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetChatMessages returns chat history newest-first, capped at
// MaxHistoryPage per call. The requester must be a participant.
func (s *MessageService) GetChatMessages(ctx context.Context, chatID, userID uint, limit, offset int) ([]*models.Message, error) {
	member, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, models.NewForbiddenError("Not a participant of this chat")
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}
	if offset < 0 {
		offset = 0
	}
	return s.messages.GetChatMessages(ctx, chatID, limit, offset)
}

// MarkDelivered records the first delivery of a message to a user.
// Idempotent; reports whether this call made the transition.
func (s *MessageService) MarkDelivered(ctx context.Context, messageID, userID uint) (bool, error) {
	return s.messages.MarkDelivered(ctx, messageID, userID)
}

// MarkMessagesAsRead marks a batch of messages read for the reader and
// returns how many actually changed. The repository enforces the reader
// filters; callers never need to pre-check.
func (s *MessageService) MarkMessagesAsRead(ctx context.Context, messageIDs []uint, readerID uint) (int64, error) {
	return s.messages.MarkRead(ctx, messageIDs, readerID)
}

// DeleteMessage soft-deletes a message. Only the sender may delete;
// deleting twice is a no-op.
func (s *MessageService) DeleteMessage(ctx context.Context, messageID, userID uint) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return models.NewForbiddenError("Only the sender can delete a message")
	}
	return s.messages.SoftDelete(ctx, messageID)
}

// EditMessage replaces a message's content, appending the old/new pair to
// the insert-only edit history. Only the sender may edit; deleted messages
// cannot be edited.
func (s *MessageService) EditMessage(ctx context.Context, messageID, editorID uint, newContent string) (*models.Message, *models.MessageEdit, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, nil, models.NewValidationError("Message content cannot be empty")
	}
	if utf8.RuneCountInString(newContent) > MaxContentLength {
		return nil, nil, models.NewValidationError("Message content exceeds 2000 characters")
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.IsDeleted {
		return nil, nil, models.NewNotFoundError("Message", messageID)
	}
	if msg.SenderID != editorID {
		return nil, nil, models.NewForbiddenError("Only the sender can edit a message")
	}

	edit := &models.MessageEdit{
		MessageID:  msg.ID,
		EditorID:   editorID,
		OldContent: msg.Content,
		NewContent: newContent,
	}
	msg.Content = newContent
	msg.IsEdited = true
	if err := s.messages.ApplyEdit(ctx, msg, edit); err != nil {
		return nil, nil, err
	}
	return msg, edit, nil
}
