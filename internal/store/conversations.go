package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// GetConversation returns the conversation with the given id.
func (s *Store) GetConversation(ctx context.Context, id uint) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetConversationBySlug returns the conversation with the given slug.
func (s *Store) GetConversationBySlug(ctx context.Context, slug string) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// EnsureGlobalConversation returns the global conversation, creating it on
// first use. Concurrent callers converge on the same row through the unique
// slug.
func (s *Store) EnsureGlobalConversation(ctx context.Context) (*model.Conversation, error) {
	conv := model.Conversation{
		Slug:      model.GlobalSlug,
		Type:      model.ConversationGlobal,
		CreatedAt: s.Now(),
	}
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create global conversation: %w", err)
	}

	var out model.Conversation
	if err := db.Where("slug = ?", model.GlobalSlug).First(&out).Error; err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// GetOrCreatePrivate returns the private conversation between two users,
// creating it and both participant rows if needed. created reports whether
// this call inserted the conversation.
func (s *Store) GetOrCreatePrivate(ctx context.Context, a, b uint) (conv *model.Conversation, created bool, err error) {
	if a == b {
		return nil, false, fmt.Errorf("private conversation needs two distinct users")
	}
	slug := model.PrivateSlug(a, b)
	now := s.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := model.Conversation{
			Slug:      slug,
			Type:      model.ConversationPrivate,
			CreatedAt: now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slug"}},
			DoNothing: true,
		}).Create(&candidate)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1

		var existing model.Conversation
		if err := tx.Where("slug = ?", slug).First(&existing).Error; err != nil {
			return err
		}

		for _, userID := range []uint{a, b} {
			p := model.Participant{ConversationID: existing.ID, UserID: userID}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
				DoNothing: true,
			}).Create(&p).Error
			if err != nil {
				return err
			}
		}

		conv = &existing
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get or create private conversation: %w", err)
	}
	return conv, created, nil
}

// ListUserConversations returns the conversations the user participates in,
// newest first.
func (s *Store) ListUserConversations(ctx context.Context, userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.user_id = ?", userID).
		Order("conversations.created_at DESC, conversations.id DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// ListParticipants returns the participant rows of a conversation with users loaded.
func (s *Store) ListParticipants(ctx context.Context, conversationID uint) ([]model.Participant, error) {
	var ps []model.Participant
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("conversation_id = ?", conversationID).
		Order("user_id").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return ps, nil
}

// GetParticipant returns the user's participant row in a conversation.
func (s *Store) GetParticipant(ctx context.Context, conversationID, userID uint) (*model.Participant, error) {
	var p model.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// IsParticipant reports whether the user holds a participant row.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// EnsureParticipant returns the user's participant row, creating it if absent.
func (s *Store) EnsureParticipant(ctx context.Context, conversationID, userID uint) (*model.Participant, error) {
	db := s.db.WithContext(ctx)
	p := model.Participant{ConversationID: conversationID, UserID: userID}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&p).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure participant: %w", err)
	}
	return s.GetParticipant(ctx, conversationID, userID)
}

// MarkRead resets the unread counter and stamps last_read_at.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID uint) (time.Time, error) {
	now := s.Now()
	res := s.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]any{"unread_count": 0, "last_read_at": now})
	if res.Error != nil {
		return time.Time{}, fmt.Errorf("failed to mark read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

// HideConversation moves the user's hidden_since watermark to now.
func (s *Store) HideConversation(ctx context.Context, conversationID, userID uint) (time.Time, error) {
	now := s.Now()
	res := s.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("hidden_since", now)
	if res.Error != nil {
		return time.Time{}, fmt.Errorf("failed to hide conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}
