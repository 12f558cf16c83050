package model

import (
	"time"
)

// MaxMessageLength is the maximum number of characters in a message body.
const MaxMessageLength = 5000

// Message is a chat message.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index:idx_message_timeline,priority:1" json:"conversation"`
	SenderID       uint      `gorm:"not null;index" json:"-"`
	Sender         *User     `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"not null;index:idx_message_timeline,priority:2" json:"timestamp"`
}

// MessageDeletion hides a single message from a single user.
type MessageDeletion struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_deletion_member" json:"message_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_deletion_member;index:idx_deletion_user_time,priority:1" json:"user_id"`
	DeletedAt time.Time `gorm:"not null;index:idx_deletion_user_time,priority:2" json:"deleted_at"`
}

// SendMessageRequest is the HTTP request to send a message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the response for a history page.
type ListMessagesResponse struct {
	OK         bool      `json:"ok"`
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor uint      `json:"next_cursor,omitempty"`
}
