package server

import (
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLoginFlow(t *testing.T) {
	_, app := newTestServer(t)

	userID, token := registerUser(t, app, "alice")
	assert.NotZero(t, userID)

	// Login with the right credentials.
	resp := doJSON(t, app, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
		"username": "alice",
		"password": "longenough",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.RefreshToken)

	// Wrong password.
	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
		"username": "alice",
		"password": "wrong-password",
	})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// The access token works on a protected route.
	resp = doJSON(t, app, fiber.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// No token does not.
	resp = doJSON(t, app, fiber.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterValidationAndDuplicates(t *testing.T) {
	_, app := newTestServer(t)

	registerUser(t, app, "alice")

	resp := doJSON(t, app, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"username": "alice",
		"email":    "other@example.com",
		"password": "longenough",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "short",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRefreshRotation(t *testing.T) {
	_, app := newTestServer(t)

	resp := doJSON(t, app, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "longenough",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var reg struct {
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, resp, &reg)
	require.NotEmpty(t, reg.RefreshToken)

	// First refresh succeeds and issues a new pair.
	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/refresh", "", fiber.Map{
		"refresh_token": reg.RefreshToken,
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var rotated struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, resp, &rotated)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, reg.RefreshToken, rotated.RefreshToken)

	// The old refresh token was revoked by the rotation.
	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/refresh", "", fiber.Map{
		"refresh_token": reg.RefreshToken,
	})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// The rotated one still works.
	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/refresh", "", fiber.Map{
		"refresh_token": rotated.RefreshToken,
	})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	_, app := newTestServer(t)

	_, access := registerUser(t, app, "alice")

	resp := doJSON(t, app, fiber.MethodPost, "/api/auth/refresh", "", fiber.Map{
		"refresh_token": access,
	})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutRevokesRefresh(t *testing.T) {
	_, app := newTestServer(t)

	resp := doJSON(t, app, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "longenough",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var reg struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, resp, &reg)

	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/logout", reg.AccessToken, fiber.Map{
		"refresh_token": reg.RefreshToken,
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, fiber.MethodPost, "/api/auth/refresh", "", fiber.Map{
		"refresh_token": reg.RefreshToken,
	})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
