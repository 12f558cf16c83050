package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// FrameType is the tag of an inbound websocket frame.
type FrameType string

const (
	FrameChatMessage   FrameType = "chat_message"
	FrameDeleteMessage FrameType = "delete_message"
	FrameTyping        FrameType = "typing"
	FramePing          FrameType = "ping"
)

// EventType is the tag of an outbound websocket event.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventNewMessage            EventType = "new_message"
	EventMessageDeleted        EventType = "message_deleted"
	EventTypingIndicator       EventType = "typing_indicator"
	EventChatListUpdate        EventType = "chat_list_update"
	EventPong                  EventType = "pong"
	EventError                 EventType = "error"
)

// Envelope is the part of every inbound frame needed for dispatch.
type Envelope struct {
	Type FrameType `json:"type"`
}

// ChatMessageFrame carries a new message body.
type ChatMessageFrame struct {
	Content string `json:"content"`
}

// DeleteMessageFrame names a message to delete.
type DeleteMessageFrame struct {
	MessageID MessageRef `json:"message_id"`
}

// TypingFrame toggles the typing indicator.
type TypingFrame struct {
	IsTyping bool `json:"is_typing"`
}

// MessageRef is a message id that may arrive as a JSON number or a numeric string.
type MessageRef uint

var errInvalidMessageRef = errors.New("invalid message reference")

// UnmarshalJSON accepts 42, "42", null and "".
func (r *MessageRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*r = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return errInvalidMessageRef
	}
	*r = MessageRef(n)
	return nil
}

// ConnectionEstablishedEvent acknowledges an accepted connection.
type ConnectionEstablishedEvent struct {
	Type             EventType `json:"type"`
	Message          string    `json:"message"`
	ConversationID   uint      `json:"conversation_id,omitempty"`
	ConversationSlug string    `json:"conversation_slug,omitempty"`
}

// NewMessageEvent carries a persisted message to the conversation group.
type NewMessageEvent struct {
	Type    EventType `json:"type"`
	Message *Message  `json:"message"`
}

// MessageDeletedEvent confirms a deletion to the requester.
type MessageDeletedEvent struct {
	Type      EventType `json:"type"`
	MessageID uint      `json:"message_id"`
}

// TypingIndicatorEvent relays another user's typing state.
type TypingIndicatorEvent struct {
	Type     EventType `json:"type"`
	UserID   uint      `json:"user_id"`
	Username string    `json:"username"`
	IsTyping bool      `json:"is_typing"`
}

// ChatListUpdateEvent tells a user that a conversation in their list changed.
type ChatListUpdateEvent struct {
	Type           EventType `json:"type"`
	ConversationID uint      `json:"conversation_id"`
	UnreadCount    int       `json:"unread_count"`
}

// PongEvent answers a heartbeat.
type PongEvent struct {
	Type EventType `json:"type"`
}

// ErrorEvent reports a frame-level failure to the sender.
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// NewErrorEvent builds an error event with the given message.
func NewErrorEvent(message string) *ErrorEvent {
	return &ErrorEvent{Type: EventError, Message: message}
}
