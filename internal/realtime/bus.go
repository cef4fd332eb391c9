package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"murmur/internal/middleware"
	"murmur/internal/observability"
)

// ChatPublisher is the bus half the publish path needs. Implemented by the
// session store.
type ChatPublisher interface {
	PublishToChat(ctx context.Context, chatID uint, payload []byte) error
}

const (
	publishAttempts = 2
	publishBackoff  = 100 * time.Millisecond
)

// Bus publishes envelopes onto per-chat channels. Callers persist before
// publishing; a lost publish is recoverable through the offline queue or
// history fetch, so failures degrade to warnings.
type Bus struct {
	pub ChatPublisher
	log *slog.Logger
}

// NewBus creates a Bus over the given publisher.
func NewBus(pub ChatPublisher) *Bus {
	return &Bus{pub: pub, log: middleware.Logger}
}

// Publish marshals the envelope and publishes it on the chat's channel,
// retrying once with backoff before giving up.
func (b *Bus) Publish(ctx context.Context, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	chatID := env.Chat()
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishBackoff << (attempt - 1)):
			}
		}
		if lastErr = b.pub.PublishToChat(ctx, chatID, payload); lastErr == nil {
			observability.BusPublishes.WithLabelValues("ok").Inc()
			return nil
		}
	}

	observability.BusPublishes.WithLabelValues("failed").Inc()
	b.log.Warn("bus publish failed, recipients fall back to history",
		slog.Uint64("chat_id", uint64(chatID)),
		slog.String("event_type", env.Type),
		slog.String("error", lastErr.Error()))
	return lastErr
}
