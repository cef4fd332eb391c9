package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"murmur/internal/middleware"
	"murmur/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the peer.
	maxMessageSize = 16384

	// Outbound buffer per socket.
	sendBufferSize = 256
)

// Client is one live socket for one user on this instance.
type Client struct {
	Conn      *websocket.Conn
	UserID    uint
	SessionID string

	// Buffered channel of outbound frames, drained by WritePump.
	Send chan []byte

	// Called for every inbound frame.
	IncomingHandler func(*Client, []byte)

	// Called on every inbound frame so presence TTLs can be refreshed.
	OnActivity func(uint)

	pingInterval time.Duration
	maxMissed    int32
	missedPongs  atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// NewClient wraps an accepted websocket connection.
func NewClient(conn *websocket.Conn, userID uint, sessionID string, pingInterval time.Duration, maxMissed int) *Client {
	return &Client{
		Conn:         conn,
		UserID:       userID,
		SessionID:    sessionID,
		Send:         make(chan []byte, sendBufferSize),
		pingInterval: pingInterval,
		maxMissed:    int32(maxMissed),
		closed:       make(chan struct{}),
		log:          middleware.Logger,
	}
}

// Closed reports whether the client has been shut down.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close writes a close frame with the given code and tears the socket down.
// Safe to call from any goroutine, idempotent.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.Conn == nil {
			return
		}
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = c.Conn.Close()
	})
}

// ResetLiveness clears the missed-pong counter. Every inbound frame counts
// as proof of life, not just pongs.
func (c *Client) ResetLiveness() {
	c.missedPongs.Store(0)
}

// ReadPump reads frames from the socket and dispatches them until the
// connection dies. Runs on the connection's own goroutine.
func (c *Client) ReadPump() {
	defer c.Close(websocket.CloseNormalClosure, "")

	c.Conn.SetReadLimit(maxMessageSize)
	// The write side enforces liveness with app-level pings; the read
	// deadline is a backstop covering the full missed-pong budget.
	readWait := c.pingInterval * time.Duration(c.maxMissed+2)
	_ = c.Conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("socket read failed",
					slog.Uint64("user_id", uint64(c.UserID)),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(readWait))

		c.ResetLiveness()
		if c.OnActivity != nil {
			c.OnActivity(c.UserID)
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, raw)
		}
	}
}

// WritePump drains the outbound buffer and keeps the peer alive with
// app-level ping frames. After maxMissed consecutive unanswered pings the
// socket is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.closed:
			return

		case frame := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if c.missedPongs.Add(1) > c.maxMissed {
				c.log.Info("closing unresponsive socket",
					slog.Uint64("user_id", uint64(c.UserID)),
					slog.Int("missed_pongs", int(c.maxMissed)))
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				return
			}
		}
	}
}

// DeliverStatus reports what happened to a frame handed to Deliver.
type DeliverStatus int

const (
	// DeliverEnqueued means the frame sits in the send buffer.
	DeliverEnqueued DeliverStatus = iota
	// DeliverDropped means the buffer was full. The socket is alive but
	// the frame was discarded; it must not count as delivered.
	DeliverDropped
	// DeliverClosed means the socket is already closed.
	DeliverClosed
)

// Deliver queues a frame for the socket. DeliverClosed lets the caller fall
// back to the offline queue; DeliverDropped means the frame is gone (the
// recipient re-syncs via history) while the socket stays alive.
func (c *Client) Deliver(frame []byte) DeliverStatus {
	select {
	case <-c.closed:
		return DeliverClosed
	default:
	}

	select {
	case c.Send <- frame:
		return DeliverEnqueued
	case <-c.closed:
		return DeliverClosed
	default:
		observability.BackpressureDrops.WithLabelValues("buffer_full").Inc()
		c.log.Warn("outbound buffer full, frame dropped",
			slog.Uint64("user_id", uint64(c.UserID)))
		return DeliverDropped
	}
}

// SendError queues an error frame for the sender's own socket.
func (c *Client) SendError(message string) {
	c.Deliver(ErrorFrameBytes(message))
}
