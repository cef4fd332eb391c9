package models

import (
	"time"
)

// Message is a chat message. Deletion is soft: the row stays by id so
// delivery and read receipts remain consistent.
type Message struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ChatID    uint       `gorm:"not null;index" json:"chat_id"`
	SenderID  uint       `gorm:"not null;index" json:"sender_id"`
	Sender    *User      `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content   string     `gorm:"type:varchar(2000);not null" json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"` // most recent reader
	IsDeleted bool       `gorm:"default:false" json:"is_deleted"`
	IsEdited  bool       `gorm:"default:false" json:"is_edited"`

	Deliveries []MessageDelivery `gorm:"foreignKey:MessageID" json:"-"`
}

// MessageDelivery tracks per-recipient delivery. A row exists for every
// participant except the sender; delivered_at stays null until the
// recipient's first socket receives the message.
type MessageDelivery struct {
	MessageID   uint       `gorm:"primaryKey" json:"message_id"`
	UserID      uint       `gorm:"primaryKey" json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// MessageRead records the first time a reader marked a message read.
type MessageRead struct {
	MessageID uint      `gorm:"primaryKey" json:"message_id"`
	UserID    uint      `gorm:"primaryKey" json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MessageEdit is the append-only edit history of a message. The editor is
// always the original sender.
type MessageEdit struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MessageID  uint      `gorm:"not null;index" json:"message_id"`
	EditorID   uint      `gorm:"not null" json:"editor_id"`
	OldContent string    `gorm:"type:varchar(2000);not null" json:"old_content"`
	NewContent string    `gorm:"type:varchar(2000);not null" json:"new_content"`
	EditedAt   time.Time `gorm:"autoCreateTime" json:"edited_at"`
}
