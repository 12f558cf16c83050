package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/presence"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// Error frame texts.
const (
	errInvalidPayload    = "invalid payload"
	errUnknownType       = "unknown message type"
	errEmptyContent      = "message content cannot be empty"
	errContentTooLong    = "message content exceeds maximum length"
	errMessageIDRequired = "message_id is required for deletion"
	errDeleteFailed      = "failed to delete message"
	errSendFailed        = "failed to send message"
	errServer            = "server error"
)

// frameHandler processes one decoded frame. Expected failures are reported
// to the client by the handler itself; a returned error is unexpected.
type frameHandler func(ctx context.Context, s *session, raw []byte) (result string, err error)

// Dispatcher routes inbound frames to their handlers.
type Dispatcher struct {
	conversation  map[model.FrameType]frameHandler
	notifications map[model.FrameType]frameHandler
	messages      *service.MessageService
	presence      presence.Tracker
	logger        *logger.Logger
}

// NewDispatcher builds the frame tables. Conversation connections accept
// every frame type; notification connections only accept ping.
func NewDispatcher(messages *service.MessageService, tracker presence.Tracker, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		messages: messages,
		presence: tracker,
		logger:   log,
	}
	d.conversation = map[model.FrameType]frameHandler{
		model.FrameChatMessage:   d.handleChatMessage,
		model.FrameDeleteMessage: d.handleDeleteMessage,
		model.FrameTyping:        d.handleTyping,
		model.FramePing:          d.handlePing,
	}
	d.notifications = map[model.FrameType]frameHandler{
		model.FramePing: d.handlePing,
	}
	return d
}

// Dispatch decodes raw and runs the matching handler. It never panics and
// never closes the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session, raw []byte) {
	frameType := "invalid"
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordFrame(frameType, "panic")
			s.log.Error("frame handler panicked",
				zap.String("type", frameType),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			s.replyError(errServer)
		}
	}()

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.RecordFrame(frameType, "invalid")
		s.replyError(errInvalidPayload)
		return
	}

	table := d.conversation
	if s.conv == nil {
		table = d.notifications
	}
	handler, ok := table[env.Type]
	if !ok {
		metrics.RecordFrame("unknown", "rejected")
		s.replyError(errUnknownType)
		return
	}
	frameType = string(env.Type)

	result, err := handler(ctx, s, raw)
	if err != nil {
		metrics.RecordFrame(frameType, "error")
		s.log.Error("frame handler failed", zap.String("type", frameType), zap.Error(err))
		s.replyError(errServer)
		return
	}
	metrics.RecordFrame(frameType, result)
}

// Oversized answers a frame that exceeded the read limit. prefix holds its
// first bytes.
func (d *Dispatcher) Oversized(s *session, prefix []byte) {
	frameType := leadingFrameType(prefix)
	s.log.Debug("oversized frame dropped", zap.String("type", string(frameType)))

	if frameType == model.FrameChatMessage && s.conv != nil {
		metrics.RecordFrame(string(frameType), "too_long")
		s.replyError(errContentTooLong)
		return
	}
	metrics.RecordFrame("oversized", "invalid")
	s.replyError(errInvalidPayload)
}

func (d *Dispatcher) handleChatMessage(ctx context.Context, s *session, raw []byte) (string, error) {
	var frame model.ChatMessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.replyError(errInvalidPayload)
		return "invalid", nil
	}

	_, err := d.messages.Send(ctx, s.conv, s.identity.UserID(), frame.Content)
	switch {
	case err == nil:
		return "ok", nil
	case errors.Is(err, service.ErrEmptyContent):
		s.replyError(errEmptyContent)
		return "invalid", nil
	case errors.Is(err, service.ErrContentTooLong):
		s.replyError(errContentTooLong)
		return "invalid", nil
	default:
		s.replyError(errSendFailed)
		return "failed", nil
	}
}

func (d *Dispatcher) handleDeleteMessage(ctx context.Context, s *session, raw []byte) (string, error) {
	var frame model.DeleteMessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.MessageID == 0 {
		s.replyError(errMessageIDRequired)
		return "invalid", nil
	}
	messageID := uint(frame.MessageID)

	if err := d.messages.DeleteOwn(ctx, s.conv, s.identity.UserID(), messageID); err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			s.log.Warn("delete failed", zap.Uint("message_id", messageID), zap.Error(err))
		}
		s.replyError(errDeleteFailed)
		return "failed", nil
	}

	s.send(&model.MessageDeletedEvent{
		Type:      model.EventMessageDeleted,
		MessageID: messageID,
	})
	return "ok", nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, s *session, raw []byte) (string, error) {
	var frame model.TypingFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.replyError(errInvalidPayload)
		return "invalid", nil
	}
	d.messages.PublishTyping(ctx, s.conv, s.identity.User, frame.IsTyping)
	return "ok", nil
}

func (d *Dispatcher) handlePing(ctx context.Context, s *session, _ []byte) (string, error) {
	if d.presence != nil {
		if err := d.presence.Touch(ctx, s.identity.UserID()); err != nil {
			s.log.Warn("failed to record presence", zap.Error(err))
		}
	}
	s.send(&model.PongEvent{Type: model.EventPong})
	return "ok", nil
}
