package service

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

var (
	// ErrNotFound is returned when a conversation, message or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the user may not access a conversation.
	ErrForbidden = errors.New("forbidden")
	// ErrSelfConversation is returned when a user asks for a private
	// conversation with themselves.
	ErrSelfConversation = errors.New("cannot create conversation with self")
	// ErrPersistence wraps storage failures during writes.
	ErrPersistence = errors.New("persistence failed")
	// ErrInvalidContent is the parent of every content validation error.
	ErrInvalidContent = errors.New("invalid message content")

	// ErrEmptyContent is returned for blank messages.
	ErrEmptyContent = fmt.Errorf("%w: message content cannot be empty", ErrInvalidContent)
	// ErrContentTooLong is returned for messages over model.MaxMessageLength.
	ErrContentTooLong = fmt.Errorf("%w: message content exceeds maximum length", ErrInvalidContent)
)

// NormalizeContent trims surrounding whitespace and enforces the length limit
// in characters.
func NormalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > model.MaxMessageLength {
		return "", ErrContentTooLong
	}
	return content, nil
}
