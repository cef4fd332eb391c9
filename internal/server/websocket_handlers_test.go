package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWSServer serves the app on a real socket so tests can perform actual
// WebSocket upgrades, and runs the bus listener so fan-out round trips work.
func startWSServer(t *testing.T, srv *Server, app *fiber.App) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.listener.Run(ctx)
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown()
	})

	return ln.Addr().String()
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/api/ws?token=%s", addr, token)
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 25*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame reads the next non-ping frame within the deadline.
func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == "ping" {
			continue
		}
		return frame
	}
}

// expectSilence asserts no non-ping frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	deadline := time.Now().Add(window)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // deadline hit, nothing arrived
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))
		require.Equal(t, "ping", frame["type"], "unexpected frame: %s", raw)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestWebSocketMessageRoundTrip(t *testing.T) {
	srv, app := newTestServer(t)
	addr := startWSServer(t, srv, app)

	aliceID, aliceToken := registerUser(t, app, "alice")
	bobID, bobToken := registerUser(t, app, "bob")
	chatID := createChat(t, app, aliceToken, "", false, []uint{aliceID, bobID})

	bobConn := dialWS(t, addr, bobToken)
	greeting := readFrame(t, bobConn, 2*time.Second)
	assert.Equal(t, "connected", greeting["type"])
	assert.Equal(t, float64(bobID), greeting["user_id"])

	aliceConn := dialWS(t, addr, aliceToken)
	readFrame(t, aliceConn, 2*time.Second) // connected

	sendFrame(t, aliceConn, fiber.Map{
		"type":    "message",
		"chat_id": chatID,
		"content": "hello bob",
	})

	frame := readFrame(t, bobConn, 3*time.Second)
	require.Equal(t, "message", frame["type"])
	msg, ok := frame["message"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello bob", msg["content"])
	assert.Equal(t, float64(aliceID), msg["sender_id"])

	// The sender gets no echo: the message comes back only through the bus
	// and fan-out skips the sender.
	expectSilence(t, aliceConn, 500*time.Millisecond)
}

func TestWebSocketOfflineQueueFlush(t *testing.T) {
	srv, app := newTestServer(t)
	addr := startWSServer(t, srv, app)

	aliceID, aliceToken := registerUser(t, app, "alice")
	bobID, bobToken := registerUser(t, app, "bob")
	chatID := createChat(t, app, aliceToken, "", false, []uint{aliceID, bobID})

	aliceConn := dialWS(t, addr, aliceToken)
	readFrame(t, aliceConn, 2*time.Second) // connected

	// Bob is offline; the message lands in his queue.
	sendFrame(t, aliceConn, fiber.Map{
		"type":    "message",
		"chat_id": chatID,
		"content": "read this later",
	})

	require.Eventually(t, func() bool {
		n, err := srv.redis.LLen(context.Background(), fmt.Sprintf("offline:%d", bobID)).Result()
		return err == nil && n == 1
	}, 3*time.Second, 25*time.Millisecond)

	// On connect the queue is flushed before live traffic.
	bobConn := dialWS(t, addr, bobToken)
	greeting := readFrame(t, bobConn, 2*time.Second)
	require.Equal(t, "connected", greeting["type"])

	frame := readFrame(t, bobConn, 2*time.Second)
	require.Equal(t, "message", frame["type"])
	msg := frame["message"].(map[string]interface{})
	assert.Equal(t, "read this later", msg["content"])

	// The queue is drained destructively.
	n, err := srv.redis.LLen(context.Background(), fmt.Sprintf("offline:%d", bobID)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebSocketDisplacement(t *testing.T) {
	srv, app := newTestServer(t)
	addr := startWSServer(t, srv, app)

	_, aliceToken := registerUser(t, app, "alice")

	first := dialWS(t, addr, aliceToken)
	readFrame(t, first, 2*time.Second) // connected

	second := dialWS(t, addr, aliceToken)
	readFrame(t, second, 2*time.Second) // connected

	// The first socket receives a close frame.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if assert.ErrorAs(t, err, &closeErr) {
				assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			}
			break
		}
	}

	// Only one registered connection remains.
	assert.Equal(t, 1, srv.registry.Count())
}

func TestWebSocketRejectsBadTokenWithPolicyClose(t *testing.T) {
	srv, app := newTestServer(t)
	addr := startWSServer(t, srv, app)

	// The upgrade itself succeeds; the server then closes with 1008 so the
	// client can observe the rejection.
	conn := dialWS(t, addr, "garbage")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	assert.Zero(t, srv.registry.Count())

	// A plain HTTP request (no upgrade headers) still gets a 401.
	resp := doJSON(t, app, fiber.MethodGet, "/api/ws?token=garbage", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRateLimitErrorFrame(t *testing.T) {
	srv, app := newTestServer(t)
	addr := startWSServer(t, srv, app)

	aliceID, aliceToken := registerUser(t, app, "alice")
	bobID, _ := registerUser(t, app, "bob")
	chatID := createChat(t, app, aliceToken, "", false, []uint{aliceID, bobID})

	conn := dialWS(t, addr, aliceToken)
	readFrame(t, conn, 2*time.Second) // connected

	for i := 0; i < 6; i++ {
		sendFrame(t, conn, fiber.Map{
			"type":    "message",
			"chat_id": chatID,
			"content": fmt.Sprintf("burst %d", i),
		})
	}

	frame := readFrame(t, conn, 3*time.Second)
	require.Equal(t, "error", frame["type"])
	assert.Equal(t, "rate_limited", frame["message"])

	// Five messages were persisted, the sixth was refused.
	require.Eventually(t, func() bool {
		msgs, err := srv.messageService.GetChatMessages(context.Background(), chatID, bobID, 50, 0)
		return err == nil && len(msgs) == 5
	}, 3*time.Second, 25*time.Millisecond)
}
