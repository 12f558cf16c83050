package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/bus"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/internal/visibility"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
	"github.com/capitalize-ai/chat-relay/pkg/tracing"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// MessageService handles message operations.
type MessageService struct {
	store               *store.Store
	conversationService *ConversationService
	bus                 bus.Bus
	tracer              trace.Tracer
	logger              *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(
	st *store.Store,
	conversationService *ConversationService,
	b bus.Bus,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:               st,
		conversationService: conversationService,
		bus:                 b,
		tracer:              tracing.Tracer("chat-relay/service"),
		logger:              log.Named("messages"),
	}
}

// Send persists a message and fans it out. The message row and the unread
// counters of the other participants are written in one transaction; the
// fan-out happens afterwards and its failures never undo the write.
func (s *MessageService) Send(ctx context.Context, conv *model.Conversation, senderID uint, content string) (*model.Message, error) {
	ctx, span := s.tracer.Start(ctx, "MessageService.Send",
		trace.WithAttributes(
			attribute.Int64("conversation.id", int64(conv.ID)),
			attribute.String("conversation.type", string(conv.Type)),
			attribute.Int64("user.id", int64(senderID)),
		),
	)
	defer span.End()

	content, err := NormalizeContent(content)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	msg, bumped, err := s.store.CreateMessage(ctx, conv, senderID, content)
	if err != nil {
		metrics.MessageFailuresTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		s.logger.Error("failed to persist message",
			zap.Uint("conversation_id", conv.ID),
			zap.Uint("user_id", senderID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesTotal.WithLabelValues(string(conv.Type)).Inc()
	span.SetAttributes(attribute.Int64("message.id", int64(msg.ID)))

	s.publish(ctx, bus.ConversationGroup(conv.ID), &model.NewMessageEvent{
		Type:    model.EventNewMessage,
		Message: msg,
	})
	for _, p := range bumped {
		s.publishToIdentity(ctx, p.UserID, &model.ChatListUpdateEvent{
			Type:           model.EventChatListUpdate,
			ConversationID: conv.ID,
			UnreadCount:    p.UnreadCount,
		})
	}

	return msg, nil
}

// SendTo resolves the conversation for userID and sends a message to it.
func (s *MessageService) SendTo(ctx context.Context, conversationID, senderID uint, content string) (*model.Message, error) {
	conv, _, err := s.conversationService.Access(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, conv, senderID, content)
}

// DeleteOwn permanently deletes a message authored by userID in conv.
func (s *MessageService) DeleteOwn(ctx context.Context, conv *model.Conversation, userID, messageID uint) error {
	err := s.store.DeleteAuthoredMessage(ctx, conv.ID, messageID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to delete message",
			zap.Uint("conversation_id", conv.ID),
			zap.Uint("message_id", messageID),
			zap.Uint("user_id", userID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.logger.Debug("message deleted",
		zap.Uint("conversation_id", conv.ID),
		zap.Uint("message_id", messageID),
	)
	return nil
}

// DeleteForMe hides a message from userID only. Repeating it is a no-op.
func (s *MessageService) DeleteForMe(ctx context.Context, messageID, userID uint) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	if _, _, err := s.conversationService.Access(ctx, msg.ConversationID, userID); err != nil {
		return err
	}

	if _, err := s.store.DeleteMessageForUser(ctx, messageID, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// History returns the messages of a conversation visible to userID in
// timeline order, starting after the message id after.
func (s *MessageService) History(ctx context.Context, conversationID, userID, after uint, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	_, participant, err := s.conversationService.Access(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	// Fetch one extra visible message to learn whether another page exists.
	want := limit + 1
	visible := make([]model.Message, 0, want)
	cursor := after
	for len(visible) < want {
		batch, err := s.store.ListMessagesAfter(ctx, conversationID, cursor, want)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		viewer, err := s.conversationService.Viewer(ctx, participant, userID, batch)
		if err != nil {
			return nil, err
		}
		visible = append(visible, visibility.Filter(batch, viewer)...)

		cursor = batch[len(batch)-1].ID
		if len(batch) < want {
			break
		}
	}

	resp := &model.ListMessagesResponse{OK: true, Messages: visible}
	if len(visible) > limit {
		resp.Messages = visible[:limit]
		resp.HasMore = true
		resp.NextCursor = resp.Messages[limit-1].ID
	}
	return resp, nil
}

// PublishTyping relays a typing indicator to everyone in the conversation
// except the typing user's own connections.
func (s *MessageService) PublishTyping(ctx context.Context, conv *model.Conversation, user *model.User, isTyping bool) {
	s.publish(ctx, bus.ConversationGroup(conv.ID), &model.TypingIndicatorEvent{
		Type:     model.EventTypingIndicator,
		UserID:   user.ID,
		Username: user.Username,
		IsTyping: isTyping,
	}, bus.ExcludeIdentity(user.ID))
}

func (s *MessageService) publish(ctx context.Context, group string, event any, opts ...bus.PublishOption) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("group", group), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, group, payload, opts...); err != nil {
		s.logger.Warn("failed to publish event", zap.String("group", group), zap.Error(err))
	}
}

func (s *MessageService) publishToIdentity(ctx context.Context, userID uint, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode event", zap.Uint("user_id", userID), zap.Error(err))
		return
	}
	if err := s.bus.PublishToIdentity(ctx, userID, payload); err != nil {
		s.logger.Warn("failed to notify user", zap.Uint("user_id", userID), zap.Error(err))
	}
}
