package server

import (
	"murmur/internal/middleware"
	"murmur/internal/models"
	"murmur/internal/realtime"

	"github.com/gofiber/fiber/v2"
)

// GetChatMessages handles GET /api/chats/:id/messages. Messages come back
// newest first; deleted messages appear as tombstones.
func (s *Server) GetChatMessages(c *fiber.Ctx) error {
	chatID, err := s.parseID(c, "id", "chat ID")
	if err != nil {
		return nil
	}

	p := parsePagination(c, 50)
	messages, err := s.messageService.GetChatMessages(c.Context(), chatID,
		middleware.CurrentUserID(c), p.Limit, p.Offset)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages": messages,
		"limit":    p.Limit,
		"offset":   p.Offset,
	})
}

// EditMessage handles PUT /api/messages/:id. A successful edit fans out to
// connected participants the same way WebSocket edits do.
func (s *Server) EditMessage(c *fiber.Ctx) error {
	messageID, err := s.parseID(c, "id", "message ID")
	if err != nil {
		return nil
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	msg, edit, err := s.messageService.EditMessage(c.Context(), messageID,
		middleware.CurrentUserID(c), req.Content)
	if err != nil {
		return respondServiceError(c, err)
	}

	// Fan-out is best effort; the edit is already persisted.
	_ = s.bus.Publish(c.Context(),
		realtime.NewEditEnvelope(msg.ChatID, msg.ID, msg.Content, edit.EditedAt))

	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/messages/:id. Deletion is soft: the row
// stays as a tombstone so receipts remain consistent.
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	messageID, err := s.parseID(c, "id", "message ID")
	if err != nil {
		return nil
	}

	if err := s.messageService.DeleteMessage(c.Context(), messageID,
		middleware.CurrentUserID(c)); err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Message deleted"})
}
