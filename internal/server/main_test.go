package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"murmur/internal/config"
	"murmur/internal/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		JWTSecret:              "test-secret-not-for-production-use",
		JWTAlgorithm:           "HS256",
		AccessMinutes:          15,
		RefreshDays:            7,
		Env:                    "test",
		PingIntervalSeconds:    25,
		MaxMissedPongs:         3,
		RateLimitMax:           5,
		RateLimitWindowSeconds: 10,
		OfflineQueueCap:        300,
		OnlineTTLSeconds:       90,
	}
}

func newTestServer(t *testing.T) (*Server, *fiber.App) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.AllModels()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	srv, err := NewServerWithDeps(testConfig(), db, rdb)
	require.NoError(t, err)

	return srv, srv.BuildApp()
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// registerUser registers a user through the API and returns its id and an
// access token.
func registerUser(t *testing.T, app *fiber.App, username string) (uint, string) {
	t.Helper()

	resp := doJSON(t, app, fiber.MethodPost, "/api/auth/register", "", fiber.Map{
		"username": username,
		"email":    fmt.Sprintf("%s@example.com", username),
		"password": "longenough",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body struct {
		User struct {
			ID uint `json:"id"`
		} `json:"user"`
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, resp, &body)
	require.NotZero(t, body.User.ID)
	require.NotEmpty(t, body.AccessToken)
	return body.User.ID, body.AccessToken
}

// createChat creates a chat for the given actor and returns its id.
func createChat(t *testing.T, app *fiber.App, token string, name string, isGroup bool, participantIDs []uint) uint {
	t.Helper()

	resp := doJSON(t, app, fiber.MethodPost, "/api/chats", token, fiber.Map{
		"name":            name,
		"is_group":        isGroup,
		"participant_ids": participantIDs,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var chat struct {
		ID uint `json:"id"`
	}
	decodeBody(t, resp, &chat)
	require.NotZero(t, chat.ID)
	return chat.ID
}
