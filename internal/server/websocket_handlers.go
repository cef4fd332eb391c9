package server

import (
	"context"
	"log/slog"

	"murmur/internal/middleware"
	"murmur/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// WebSocketHandler returns the realtime connection handler. The connect
// sequence, in order: authenticate, displace any previous socket for the
// same user on this instance, mark presence, mirror chat memberships into
// Redis, register, send the connected frame, flush the offline queue, then
// hand the socket to the read loop.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals("userID").(uint)
		if ok && userID == 0 {
			ok = false
		}
		if !ok {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
			_ = conn.Close()
			return
		}

		ctx := context.Background()
		sessionID := uuid.NewString()

		client := realtime.NewClient(conn, userID, sessionID,
			s.config.PingInterval(), s.config.MaxMissedPongs)

		// A second socket for the same user displaces the first.
		s.registry.Register(client)

		s.store.MarkOnline(ctx, userID)
		s.store.AddSession(ctx, userID, sessionID)

		// Mirror DB memberships into Redis so fan-out can enumerate
		// recipients without a DB round trip.
		chatIDs, err := s.chatRepo.ChatIDsForUser(ctx, userID)
		if err != nil {
			middleware.Logger.Error("membership sync failed",
				slog.Uint64("user_id", uint64(userID)),
				slog.String("error", err.Error()))
			if s.registry.Unregister(client) {
				s.store.MarkOffline(ctx, userID)
			}
			s.store.RemoveSession(ctx, userID, sessionID)
			client.Close(websocket.CloseInternalServerErr, "membership sync failed")
			return
		}
		for _, cid := range chatIDs {
			if merr := s.store.AddUserToChat(ctx, userID, cid); merr != nil {
				// Degraded mode; delivery falls back to the DB.
				break
			}
		}

		client.IncomingHandler = func(cl *realtime.Client, frame []byte) {
			s.loop.HandleFrame(cl, frame)
		}
		client.OnActivity = func(uid uint) {
			s.store.TouchOnline(ctx, uid)
		}

		// The write pump must run before the drain: a queue near its cap
		// would otherwise overflow the send buffer.
		go client.WritePump()
		client.Deliver(realtime.ConnectedFrame(userID))
		s.delivery.DrainOffline(ctx, client)

		middleware.Logger.Info("websocket connected",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("session_id", sessionID))

		client.ReadPump()

		// ReadPump returned: the socket is gone or was displaced. A
		// displaced client must not clear the presence its successor
		// just established, so only the registry owner goes offline.
		wasOwner := s.registry.Unregister(client)
		s.store.RemoveSession(ctx, userID, sessionID)
		if wasOwner {
			s.store.MarkOffline(ctx, userID)
		}

		middleware.Logger.Info("websocket disconnected",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("session_id", sessionID))
	})
}
