package models

import (
	"time"
)

// ChatRoom represents a chat (1-on-1 or group). A private chat has exactly
// two distinct participants.
type ChatRoom struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `json:"name"` // empty for private chats
	IsGroup      bool      `gorm:"default:false" json:"is_group"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []User    `gorm:"many2many:participants;joinForeignKey:ChatID;joinReferences:UserID" json:"participants,omitempty"`
	Messages     []Message `gorm:"foreignKey:ChatID" json:"messages,omitempty"`
}

// Participant is the join table between users and chats. Membership is a
// set; the (user, chat) pair is unique.
type Participant struct {
	UserID uint `gorm:"primaryKey" json:"user_id"`
	ChatID uint `gorm:"primaryKey" json:"chat_id"`
}
