package middleware

import (
	"strings"

	"murmur/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

var verifier *auth.Verifier

// InitAuth installs the token verifier used by the auth middleware.
func InitAuth(v *auth.Verifier) {
	verifier = v
}

func bearerToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// AuthRequired enforces a valid access token on protected routes. The
// verified user id lands in c.Locals("userID").
func AuthRequired(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization header required",
		})
	}

	id, err := verifier.VerifyAccess(token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	c.Locals("userID", id.UserID)
	return c.Next()
}

// WebSocketAuthRequired validates access tokens for the realtime endpoint.
// Browsers cannot set headers on WebSocket upgrades, so the token is read
// from the `token` query parameter with a header fallback. A failed
// verification on an upgrade request still proceeds without a user id: the
// connection handler then completes the handshake and closes with policy
// violation (1008), which is what WebSocket clients can actually observe.
// Plain HTTP requests get a 401.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c)
	}

	if token != "" {
		if id, err := verifier.VerifyAccess(token); err == nil {
			c.Locals("userID", id.UserID)
			return c.Next()
		}
	}

	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Invalid or expired token",
	})
}

// CurrentUserID returns the authenticated user id set by the auth middleware.
func CurrentUserID(c *fiber.Ctx) uint {
	if uid, ok := c.Locals("userID").(uint); ok {
		return uid
	}
	return 0
}
