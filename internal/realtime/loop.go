package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"murmur/internal/middleware"
	"murmur/internal/models"
	"murmur/internal/observability"
	"murmur/internal/session"
)

// MessageService is the slice of the message state service the inbound
// loop needs.
type MessageService interface {
	SendMessage(ctx context.Context, chatID, senderID uint, content string) (*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, messageIDs []uint, readerID uint) (int64, error)
	EditMessage(ctx context.Context, messageID, editorID uint, newContent string) (*models.Message, *models.MessageEdit, error)
}

// Loop dispatches inbound client frames: rate limiting, validation, state
// service calls, and bus publishes. Created messages are NOT fanned out
// locally; the bus round-trip is the only delivery path so single-instance
// and multi-instance behavior stay identical.
type Loop struct {
	svc        MessageService
	bus        *Bus
	store      *session.Store
	rateMax    int
	rateWindow time.Duration
	log        *slog.Logger
}

// NewLoop wires the inbound frame dispatcher.
func NewLoop(svc MessageService, bus *Bus, store *session.Store, rateMax int, rateWindow time.Duration) *Loop {
	return &Loop{
		svc:        svc,
		bus:        bus,
		store:      store,
		rateMax:    rateMax,
		rateWindow: rateWindow,
		log:        middleware.Logger,
	}
}

// HandleFrame processes one inbound frame. Installed as the client's
// IncomingHandler; runs on the connection's read goroutine.
func (l *Loop) HandleFrame(c *Client, raw []byte) {
	ctx := context.Background()

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		observability.FramesReceived.WithLabelValues("malformed").Inc()
		c.SendError("validation")
		return
	}
	observability.FramesReceived.WithLabelValues(frame.Type).Inc()

	switch frame.Type {
	case FramePong:
		// Liveness already reset by the read pump.

	case FrameMessage:
		l.handleMessage(ctx, c, &frame)

	case FrameRead:
		l.handleRead(ctx, c, &frame)

	case FrameEditMessage:
		l.handleEdit(ctx, c, &frame)

	default:
		l.log.Debug("unknown frame type ignored",
			slog.Uint64("user_id", uint64(c.UserID)),
			slog.String("type", frame.Type))
	}
}

func (l *Loop) handleMessage(ctx context.Context, c *Client, frame *ClientFrame) {
	if !l.store.RateCheck(ctx, c.UserID, l.rateMax, l.rateWindow) {
		c.SendError("rate_limited")
		return
	}

	msg, err := l.svc.SendMessage(ctx, frame.ChatID, c.UserID, frame.Content)
	if err != nil {
		c.SendError(frameErrorMessage(err))
		return
	}

	// Persist succeeded; a failed publish is already logged and the
	// message stays reachable via history.
	_ = l.bus.Publish(ctx, NewMessageEnvelope(msg))
}

func (l *Loop) handleRead(ctx context.Context, c *Client, frame *ClientFrame) {
	if len(frame.MessageIDs) == 0 {
		return
	}
	if _, err := l.svc.MarkMessagesAsRead(ctx, frame.MessageIDs, c.UserID); err != nil {
		// No ack frame is owed; a failed batch is retried by the client
		// on its next read sweep.
		l.log.Warn("read batch failed",
			slog.Uint64("user_id", uint64(c.UserID)),
			slog.String("error", err.Error()))
	}
}

func (l *Loop) handleEdit(ctx context.Context, c *Client, frame *ClientFrame) {
	msg, edit, err := l.svc.EditMessage(ctx, frame.MessageID, c.UserID, frame.Content)
	if err != nil {
		c.SendError(frameErrorMessage(err))
		return
	}

	_ = l.bus.Publish(ctx, NewEditEnvelope(msg.ChatID, msg.ID, msg.Content, edit.EditedAt))
}

// frameErrorMessage maps a service failure onto the short error vocabulary
// used in error frames.
func frameErrorMessage(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return strings.ToLower(appErr.Code)
	}
	return "internal"
}
