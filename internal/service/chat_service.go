package service

import (
	"context"
	"strings"

	"murmur/internal/models"
	"murmur/internal/repository"
)

// ChatMirror receives membership changes so the Redis fan-out mirror stays
// in step with persistent storage. Implemented by the session store;
// failures are tolerated because connect-time sync rebuilds the mirror.
type ChatMirror interface {
	AddUserToChat(ctx context.Context, userID, chatID uint) error
	RemoveUserFromChat(ctx context.Context, userID, chatID uint) error
}

// ChatService manages chat rooms and their membership.
type ChatService struct {
	chats  repository.ChatRepository
	users  repository.UserRepository
	mirror ChatMirror
}

// NewChatService creates a new chat service. mirror may be nil.
func NewChatService(chats repository.ChatRepository, users repository.UserRepository, mirror ChatMirror) *ChatService {
	return &ChatService{chats: chats, users: users, mirror: mirror}
}

// CreateChat creates a chat room. A private chat has exactly two distinct
// participants and no name; a group chat requires a name. The creator is
// always a participant.
func (s *ChatService) CreateChat(ctx context.Context, creatorID uint, name string, isGroup bool, participantIDs []uint) (*models.ChatRoom, error) {
	ids := dedupeIDs(append(participantIDs, creatorID))

	if isGroup {
		if strings.TrimSpace(name) == "" {
			return nil, models.NewValidationError("Group chats require a name")
		}
		if len(ids) < 2 {
			return nil, models.NewValidationError("Group chats require at least two participants")
		}
	} else {
		if len(ids) != 2 {
			return nil, models.NewValidationError("Private chats have exactly two participants")
		}
		name = ""
	}

	participants := make([]models.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.users.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *user)
	}

	chat := &models.ChatRoom{
		Name:         strings.TrimSpace(name),
		IsGroup:      isGroup,
		Participants: participants,
	}
	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, err
	}

	if s.mirror != nil {
		for _, id := range ids {
			_ = s.mirror.AddUserToChat(ctx, id, chat.ID)
		}
	}
	return chat, nil
}

// GetChat returns a chat with its participants. The requester must be one
// of them.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID uint) (*models.ChatRoom, error) {
	member, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, models.NewForbiddenError("Not a participant of this chat")
	}
	return s.chats.GetByID(ctx, chatID)
}

// GetUserChats lists the chats the user participates in.
func (s *ChatService) GetUserChats(ctx context.Context, userID uint) ([]*models.ChatRoom, error) {
	return s.chats.GetUserChats(ctx, userID)
}

// AddParticipant adds a user to a group chat. Only current participants may
// invite, and private chats are closed.
func (s *ChatService) AddParticipant(ctx context.Context, chatID, actorID, userID uint) error {
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return models.NewValidationError("Cannot add participants to a private chat")
	}

	member, err := s.chats.IsParticipant(ctx, chatID, actorID)
	if err != nil {
		return err
	}
	if !member {
		return models.NewForbiddenError("Not a participant of this chat")
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return err
	}
	if err := s.chats.AddParticipant(ctx, chatID, userID); err != nil {
		return err
	}
	if s.mirror != nil {
		_ = s.mirror.AddUserToChat(ctx, userID, chatID)
	}
	return nil
}

// RemoveParticipant removes a user from a group chat. Users can leave on
// their own; removing someone else still requires being a participant.
func (s *ChatService) RemoveParticipant(ctx context.Context, chatID, actorID, userID uint) error {
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return models.NewValidationError("Cannot remove participants from a private chat")
	}

	member, err := s.chats.IsParticipant(ctx, chatID, actorID)
	if err != nil {
		return err
	}
	if !member {
		return models.NewForbiddenError("Not a participant of this chat")
	}

	if err := s.chats.RemoveParticipant(ctx, chatID, userID); err != nil {
		return err
	}
	if s.mirror != nil {
		_ = s.mirror.RemoveUserFromChat(ctx, userID, chatID)
	}
	return nil
}

func dedupeIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
