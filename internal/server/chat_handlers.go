package server

import (
	"murmur/internal/middleware"
	"murmur/internal/models"

	"github.com/gofiber/fiber/v2"
)

// CreateChat handles POST /api/chats
func (s *Server) CreateChat(c *fiber.Ctx) error {
	var req struct {
		Name           string `json:"name"`
		IsGroup        bool   `json:"is_group"`
		ParticipantIDs []uint `json:"participant_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	chat, err := s.chatService.CreateChat(c.Context(), middleware.CurrentUserID(c),
		req.Name, req.IsGroup, req.ParticipantIDs)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(chat)
}

// GetMyChats handles GET /api/chats
func (s *Server) GetMyChats(c *fiber.Ctx) error {
	chats, err := s.chatService.GetUserChats(c.Context(), middleware.CurrentUserID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"chats": chats})
}

// GetChat handles GET /api/chats/:id
func (s *Server) GetChat(c *fiber.Ctx) error {
	chatID, err := s.parseID(c, "id", "chat ID")
	if err != nil {
		return nil
	}

	chat, err := s.chatService.GetChat(c.Context(), chatID, middleware.CurrentUserID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(chat)
}

// AddParticipant handles POST /api/chats/:id/participants
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	chatID, err := s.parseID(c, "id", "chat ID")
	if err != nil {
		return nil
	}

	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("user_id is required"))
	}

	if err := s.chatService.AddParticipant(c.Context(), chatID,
		middleware.CurrentUserID(c), req.UserID); err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Participant added"})
}

// RemoveParticipant handles DELETE /api/chats/:id/participants/:userId
func (s *Server) RemoveParticipant(c *fiber.Ctx) error {
	chatID, err := s.parseID(c, "id", "chat ID")
	if err != nil {
		return nil
	}
	userID, err := s.parseID(c, "userId", "user ID")
	if err != nil {
		return nil
	}

	if err := s.chatService.RemoveParticipant(c.Context(), chatID,
		middleware.CurrentUserID(c), userID); err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Participant removed"})
}
