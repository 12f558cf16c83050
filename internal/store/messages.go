package store

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/tracing"
)

var tracer = tracing.Tracer("chat-relay/store")

// CreateMessage inserts a message and, for private conversations, increments
// the unread counter of every other participant in the same transaction. It
// returns the message with its sender loaded and the counters of the
// participants that were incremented.
func (s *Store) CreateMessage(ctx context.Context, conv *model.Conversation, senderID uint, content string) (*model.Message, []model.Participant, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateMessage")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", int64(conv.ID)))

	msg := &model.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.Now(),
	}
	var bumped []model.Participant

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if conv.IsPrivate() {
			err := tx.Model(&model.Participant{}).
				Where("conversation_id = ? AND user_id <> ?", conv.ID, senderID).
				UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
			if err != nil {
				return fmt.Errorf("increment unread: %w", err)
			}
			err = tx.Where("conversation_id = ? AND user_id <> ?", conv.ID, senderID).
				Order("user_id").
				Find(&bumped).Error
			if err != nil {
				return fmt.Errorf("load counters: %w", err)
			}
		}

		var sender model.User
		if err := tx.First(&sender, senderID).Error; err != nil {
			return fmt.Errorf("load sender: %w", err)
		}
		msg.Sender = &sender
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction rolled back")
		return nil, nil, fmt.Errorf("failed to create message: %w", err)
	}
	span.SetAttributes(attribute.Int("participants.bumped", len(bumped)))
	return msg, bumped, nil
}

// GetMessage returns a message with its sender loaded.
func (s *Store) GetMessage(ctx context.Context, id uint) (*model.Message, error) {
	var m model.Message
	if err := s.db.WithContext(ctx).Preload("Sender").First(&m, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// DeleteAuthoredMessage permanently removes a message written by authorID in
// the given conversation, along with every per-user deletion record pointing
// at it. ErrNotFound covers both missing and foreign messages.
func (s *Store) DeleteAuthoredMessage(ctx context.Context, conversationID, messageID, authorID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND conversation_id = ? AND sender_id = ?", messageID, conversationID, authorID).
			Delete(&model.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("message_id = ?", messageID).Delete(&model.MessageDeletion{}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// DeleteMessageForUser records that the user no longer wants to see the
// message. Repeating the call is a no-op; created reports whether a record
// was inserted.
func (s *Store) DeleteMessageForUser(ctx context.Context, messageID, userID uint) (created bool, err error) {
	d := model.MessageDeletion{
		MessageID: messageID,
		UserID:    userID,
		DeletedAt: s.Now(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&d)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record deletion: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListMessagesAfter returns up to limit messages of a conversation in
// timeline order, starting after the message with id afterID (0 = from the
// beginning).
func (s *Store) ListMessagesAfter(ctx context.Context, conversationID, afterID uint, limit int) ([]model.Message, error) {
	db := s.db.WithContext(ctx)
	q := db.Preload("Sender").Where("conversation_id = ?", conversationID)

	if afterID > 0 {
		var cursor model.Message
		err := db.Select("id", "created_at").First(&cursor, afterID).Error
		switch {
		case err == nil:
			q = q.Where("(created_at > ?) OR (created_at = ? AND id > ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
		case errors.Is(err, gorm.ErrRecordNotFound):
			q = q.Where("id > ?", afterID)
		default:
			return nil, fmt.Errorf("failed to load cursor: %w", err)
		}
	}

	var msgs []model.Message
	if err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// ListMessagesBefore walks a conversation backwards: up to limit messages
// older than the message with id beforeID (0 = from the newest), newest
// first.
func (s *Store) ListMessagesBefore(ctx context.Context, conversationID, beforeID uint, limit int) ([]model.Message, error) {
	db := s.db.WithContext(ctx)
	q := db.Preload("Sender").Where("conversation_id = ?", conversationID)

	if beforeID > 0 {
		var cursor model.Message
		err := db.Select("id", "created_at").First(&cursor, beforeID).Error
		switch {
		case err == nil:
			q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
		case errors.Is(err, gorm.ErrRecordNotFound):
			q = q.Where("id < ?", beforeID)
		default:
			return nil, fmt.Errorf("failed to load cursor: %w", err)
		}
	}

	var msgs []model.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// DeletedMessageIDs returns which of the given messages the user has deleted
// for themselves.
func (s *Store) DeletedMessageIDs(ctx context.Context, userID uint, messageIDs []uint) (map[uint]struct{}, error) {
	out := make(map[uint]struct{})
	if len(messageIDs) == 0 {
		return out, nil
	}
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&model.MessageDeletion{}).
		Where("user_id = ? AND message_id IN ?", userID, messageIDs).
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load deletions: %w", err)
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
