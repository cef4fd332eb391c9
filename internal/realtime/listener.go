package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"murmur/internal/middleware"
	"murmur/internal/observability"
	"murmur/internal/session"

	"github.com/redis/go-redis/v9"
)

const (
	listenerBackoffMin = time.Second
	listenerBackoffMax = 30 * time.Second
)

// Listener is the per-instance bus subscriber. It holds one pattern
// subscription over every chat channel, parses envelopes, and hands them to
// the delivery engine. Lost Redis connections are retried with exponential
// backoff and a fresh subscribe.
type Listener struct {
	store    *session.Store
	delivery *Delivery
	log      *slog.Logger
}

// NewListener wires the bus listener.
func NewListener(store *session.Store, delivery *Delivery) *Listener {
	return &Listener{store: store, delivery: delivery, log: middleware.Logger}
}

// Run consumes the bus until the context is canceled. Blocks; start it on
// its own goroutine.
func (l *Listener) Run(ctx context.Context) {
	backoff := listenerBackoffMin
	for {
		sub, err := l.store.SubscribeChats(ctx)
		if err != nil {
			if errors.Is(err, session.ErrUnavailable) {
				l.log.Warn("bus listener disabled, session store unavailable")
				return
			}
			l.log.Warn("bus subscribe failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		l.log.Info("bus listener subscribed", slog.String("pattern", session.ChannelPattern))
		backoff = listenerBackoffMin
		l.consume(ctx, sub.Channel())
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		l.log.Warn("bus subscription lost, reconnecting",
			slog.Duration("retry_in", backoff))
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (l *Listener) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Counted before routing so operators can see delivery gaps.
			observability.BusReceives.Inc()
			l.route(ctx, msg.Payload)
		}
	}
}

func (l *Listener) route(ctx context.Context, payload string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in bus listener",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		l.log.Warn("unparseable bus envelope dropped", slog.String("error", err.Error()))
		return
	}
	l.delivery.HandleEnvelope(ctx, &env)
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > listenerBackoffMax {
		return listenerBackoffMax
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
