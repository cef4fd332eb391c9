// Package realtime implements the realtime delivery subsystem: the per-user
// connection registry, the inbound frame loop, the Redis fan-out bus and its
// listener, and the per-recipient delivery engine.
package realtime

import (
	"encoding/json"
	"time"

	"murmur/internal/models"
)

// Frame types exchanged with clients and carried on the bus.
const (
	FrameConnected     = "connected"
	FramePing          = "ping"
	FramePong          = "pong"
	FrameMessage       = "message"
	FrameMessageEdited = "message_edited"
	FrameRead          = "read"
	FrameEditMessage   = "edit_message"
	FrameError         = "error"
)

// ClientFrame is the union of frames accepted from clients. Type selects
// which fields are meaningful.
type ClientFrame struct {
	Type       string `json:"type"`
	ChatID     uint   `json:"chat_id,omitempty"`
	MessageID  uint   `json:"message_id,omitempty"`
	Content    string `json:"content,omitempty"`
	MessageIDs []uint `json:"message_ids,omitempty"`
}

// MessagePayload is the wire form of a message inside envelopes and frames.
type MessagePayload struct {
	ID          uint       `json:"id"`
	ChatID      uint       `json:"chat_id"`
	SenderID    uint       `json:"sender_id"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	IsDeleted   bool       `json:"is_deleted,omitempty"`
}

// Envelope is the self-describing JSON payload published on the bus and
// forwarded verbatim to recipient sockets.
type Envelope struct {
	Type       string          `json:"type"`
	ChatID     uint            `json:"chat_id,omitempty"`
	Message    *MessagePayload `json:"message,omitempty"`
	MessageID  uint            `json:"message_id,omitempty"`
	NewContent string          `json:"new_content,omitempty"`
	EditedAt   *time.Time      `json:"edited_at,omitempty"`
}

// Chat returns the chat id the envelope belongs to.
func (e *Envelope) Chat() uint {
	if e.ChatID != 0 {
		return e.ChatID
	}
	if e.Message != nil {
		return e.Message.ChatID
	}
	return 0
}

// Sender returns the originating user id, or 0 when the envelope carries none.
func (e *Envelope) Sender() uint {
	if e.Message != nil {
		return e.Message.SenderID
	}
	return 0
}

// MessageRef returns the message id the envelope refers to, or 0.
func (e *Envelope) MessageRef() uint {
	if e.Message != nil {
		return e.Message.ID
	}
	return e.MessageID
}

// NewMessageEnvelope builds the bus envelope for a freshly created message.
func NewMessageEnvelope(msg *models.Message) *Envelope {
	return &Envelope{
		Type:   FrameMessage,
		ChatID: msg.ChatID,
		Message: &MessagePayload{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			ReadAt:    msg.ReadAt,
			IsDeleted: msg.IsDeleted,
		},
	}
}

// NewEditEnvelope builds the bus envelope for an edit so it fans out the
// same way creations do.
func NewEditEnvelope(chatID, messageID uint, newContent string, editedAt time.Time) *Envelope {
	return &Envelope{
		Type:       FrameMessageEdited,
		ChatID:     chatID,
		MessageID:  messageID,
		NewContent: newContent,
		EditedAt:   &editedAt,
	}
}

type connectedFrame struct {
	Type      string    `json:"type"`
	UserID    uint      `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type errorFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var pingFrame = []byte(`{"type":"ping"}`)

// ConnectedFrame serializes the greeting sent right after a successful connect.
func ConnectedFrame(userID uint) []byte {
	b, _ := json.Marshal(connectedFrame{Type: FrameConnected, UserID: userID, Timestamp: time.Now().UTC()})
	return b
}

// ErrorFrameBytes serializes an error frame for the sender's socket.
func ErrorFrameBytes(message string) []byte {
	b, _ := json.Marshal(errorFrame{Type: FrameError, Message: message, Timestamp: time.Now().UTC()})
	return b
}
