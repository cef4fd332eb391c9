package server

import (
	"context"
	"errors"

	"murmur/internal/auth"
	"murmur/internal/middleware"
	"murmur/internal/models"

	"github.com/gofiber/fiber/v2"
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// issueTokens mints an access/refresh pair and registers the refresh jti in
// the allowlist so it can be revoked later.
func (s *Server) issueTokens(ctx context.Context, userID uint) (*tokenPair, error) {
	access, err := s.verifier.NewAccessToken(userID)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.verifier.NewRefreshToken(userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddRefresh(ctx, jti, userID, s.config.RefreshTokenTTL()); err != nil {
		return nil, err
	}
	return &tokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Register handles POST /api/auth/register
func (s *Server) Register(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	user, err := s.userService.Register(c.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		return respondServiceError(c, err)
	}

	tokens, err := s.issueTokens(c.Context(), user.ID)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user":          user,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	})
}

// Login handles POST /api/auth/login
func (s *Server) Login(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	user, err := s.userService.Authenticate(c.Context(), req.Username, req.Password)
	if err != nil {
		return respondServiceError(c, err)
	}

	tokens, err := s.issueTokens(c.Context(), user.ID)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.JSON(fiber.Map{
		"user":          user,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	})
}

// Refresh handles POST /api/auth/refresh. The presented refresh token is
// rotated: its jti is revoked and a fresh pair is issued.
func (s *Server) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("refresh_token is required"))
	}

	id, err := s.verifier.VerifyRefresh(c.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrRevoked) || errors.Is(err, auth.ErrExpired) ||
			errors.Is(err, auth.ErrMalformed) || errors.Is(err, auth.ErrWrongType) ||
			errors.Is(err, auth.ErrUnknownSubject) {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid refresh token"))
		}
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	if err := s.store.RevokeRefresh(c.Context(), id.JTI); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	tokens, err := s.issueTokens(c.Context(), id.UserID)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.JSON(fiber.Map{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	})
}

// Logout handles POST /api/auth/logout. The refresh token (if supplied) is
// revoked and the user's tracked realtime sessions are cleared.
func (s *Server) Logout(c *fiber.Ctx) error {
	userID := middleware.CurrentUserID(c)

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err == nil && req.RefreshToken != "" {
		if id, verr := s.verifier.VerifyRefresh(c.Context(), req.RefreshToken); verr == nil && id.UserID == userID {
			_ = s.store.RevokeRefresh(c.Context(), id.JTI)
		}
	}

	s.store.ClearSessions(c.Context(), userID)

	return c.JSON(fiber.Map{"message": "Logged out"})
}
