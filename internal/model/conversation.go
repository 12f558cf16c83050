// Package model defines data structures for the chat relay.
package model

import (
	"fmt"
	"time"
)

// ConversationType distinguishes the shared global room from two-party chats.
type ConversationType string

const (
	ConversationGlobal  ConversationType = "global"
	ConversationPrivate ConversationType = "private"
)

// GlobalSlug is the reserved slug of the single global conversation.
const GlobalSlug = "global"

// Conversation is a named channel of messages.
type Conversation struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	Slug      string           `gorm:"size:128;uniqueIndex;not null" json:"slug"`
	Type      ConversationType `gorm:"size:20;not null" json:"type"`
	CreatedAt time.Time        `gorm:"not null" json:"created_at"`
}

// IsPrivate reports whether the conversation is a two-party conversation.
func (c *Conversation) IsPrivate() bool {
	return c.Type == ConversationPrivate
}

// IsGlobal reports whether the conversation is the global room.
func (c *Conversation) IsGlobal() bool {
	return c.Type == ConversationGlobal
}

// PrivateSlug returns the deterministic slug for a private conversation
// between two users. Argument order does not matter.
func PrivateSlug(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("prv_%d_%d", a, b)
}

// Participant is a user's membership and read state in a conversation.
type Participant struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	ConversationID uint       `gorm:"not null;uniqueIndex:idx_participant_member" json:"conversation_id"`
	UserID         uint       `gorm:"not null;uniqueIndex:idx_participant_member;index" json:"user_id"`
	UnreadCount    int        `gorm:"not null;default:0;check:unread_count >= 0" json:"unread_count"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	HiddenSince    *time.Time `json:"hidden_since,omitempty"`
	User           *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID           uint             `json:"id"`
	Slug         string           `json:"slug"`
	Type         ConversationType `json:"type"`
	CreatedAt    time.Time        `json:"created_at"`
	LastMessage  *Message         `json:"last_message"`
	Participants []UserPresence   `json:"participants"`
	UnreadCount  int              `json:"unread_count"`
}

// CreateConversationRequest asks for the private conversation with another user.
type CreateConversationRequest struct {
	Username string `json:"username"`
}

// ConversationDetail is returned when a private conversation is created or fetched.
type ConversationDetail struct {
	ID           uint             `json:"id"`
	Slug         string           `json:"slug"`
	Type         ConversationType `json:"type"`
	CreatedAt    time.Time        `json:"created_at"`
	Participants []UserPresence   `json:"participants"`
}
