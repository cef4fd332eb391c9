package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"murmur/internal/middleware"
	"murmur/internal/observability"
	"murmur/internal/session"
)

// DeliveryMarker is the slice of the message state service the delivery
// engine needs: the guarded, idempotent delivered_at transition.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, messageID, userID uint) (bool, error)
}

// MemberSource enumerates chat participants from persistent storage. Used
// as a fallback when the Redis membership mirror is unavailable.
type MemberSource interface {
	ChatMemberIDs(ctx context.Context, chatID uint) ([]uint, error)
}

// Delivery fans one bus envelope out to every chat member: local socket
// send with guarded mark-delivered, or offline enqueue for everyone else.
type Delivery struct {
	registry *Registry
	store    *session.Store
	marker   DeliveryMarker
	members  MemberSource
	log      *slog.Logger
}

// NewDelivery wires the delivery engine.
func NewDelivery(registry *Registry, store *session.Store, marker DeliveryMarker, members MemberSource) *Delivery {
	return &Delivery{
		registry: registry,
		store:    store,
		marker:   marker,
		members:  members,
		log:      middleware.Logger,
	}
}

// HandleEnvelope routes one envelope to every member of its chat. Duplicate
// arrivals are absorbed by the delivered_at guard in the state service.
func (d *Delivery) HandleEnvelope(ctx context.Context, env *Envelope) {
	chatID := env.Chat()
	if chatID == 0 {
		d.log.Warn("envelope without chat id dropped", slog.String("type", env.Type))
		return
	}

	ctx, span := observability.StartFanoutSpan(ctx, chatID, env.Type)
	defer span.End()

	raw, err := json.Marshal(env)
	if err != nil {
		d.log.Error("marshal envelope for fan-out", slog.String("error", err.Error()))
		return
	}

	members, err := d.store.ChatMembers(ctx, chatID)
	if err != nil {
		// Mirror unavailable: fall back to persistent storage so local
		// recipients still get the event.
		members, err = d.members.ChatMemberIDs(ctx, chatID)
		if err != nil {
			d.log.Warn("no member source available, envelope dropped",
				slog.Uint64("chat_id", uint64(chatID)),
				slog.String("error", err.Error()))
			return
		}
	}

	sender := env.Sender()
	for _, uid := range members {
		if uid == sender {
			continue
		}
		d.deliverTo(ctx, uid, env, raw)
	}
}

func (d *Delivery) deliverTo(ctx context.Context, uid uint, env *Envelope, raw []byte) {
	client, connected := d.registry.Get(uid)
	if connected {
		switch client.Deliver(raw) {
		case DeliverEnqueued:
			observability.DeliveryOutcomes.WithLabelValues("delivered").Inc()
			d.markDelivered(ctx, env, uid)
			return
		case DeliverDropped:
			// Socket alive but saturated; the frame is discarded and
			// delivered_at stays null. History re-syncs the client.
			observability.DeliveryOutcomes.WithLabelValues("dropped").Inc()
			return
		case DeliverClosed:
			// Dead socket: treat as not connected.
			d.registry.Unregister(client)
			d.store.MarkOffline(ctx, uid)
		}
	}

	if err := d.store.StoreOffline(ctx, uid, raw); err != nil {
		observability.DeliveryOutcomes.WithLabelValues("dropped").Inc()
		d.log.Warn("offline enqueue skipped",
			slog.Uint64("user_id", uint64(uid)),
			slog.String("error", err.Error()))
		return
	}
	observability.DeliveryOutcomes.WithLabelValues("queued_offline").Inc()
}

// DrainOffline replays the user's queued envelopes onto a fresh socket and
// marks message deliveries. Called from the connect sequence.
func (d *Delivery) DrainOffline(ctx context.Context, client *Client) {
	envelopes, err := d.store.DrainOffline(ctx, client.UserID)
	if err != nil {
		d.log.Warn("offline drain skipped",
			slog.Uint64("user_id", uint64(client.UserID)),
			slog.String("error", err.Error()))
		return
	}

	for i, raw := range envelopes {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			d.log.Warn("bad envelope in offline queue dropped",
				slog.Uint64("user_id", uint64(client.UserID)))
			continue
		}
		if client.Deliver(raw) != DeliverEnqueued {
			// Socket died or saturated mid-drain. Put the remainder back
			// so nothing is lost or marked delivered without a send.
			d.requeue(ctx, client.UserID, envelopes[i:])
			return
		}
		observability.DeliveryOutcomes.WithLabelValues("delivered").Inc()
		d.markDelivered(ctx, &env, client.UserID)
	}
}

func (d *Delivery) requeue(ctx context.Context, uid uint, envelopes [][]byte) {
	for _, raw := range envelopes {
		if err := d.store.StoreOffline(ctx, uid, raw); err != nil {
			d.log.Warn("offline requeue failed, remainder reachable via history",
				slog.Uint64("user_id", uint64(uid)),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (d *Delivery) markDelivered(ctx context.Context, env *Envelope, uid uint) {
	if env.Type != FrameMessage {
		return
	}
	if _, err := d.marker.MarkDelivered(ctx, env.MessageRef(), uid); err != nil {
		d.log.Warn("mark delivered failed",
			slog.Uint64("message_id", uint64(env.MessageRef())),
			slog.Uint64("user_id", uint64(uid)),
			slog.String("error", err.Error()))
	}
}
