package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log.Named("http.messages"),
	}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	conversationID, err := middleware.ParseID(chi.URLParam(r, "id"), "conversation id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	after, err := middleware.ParseCursor(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messageService.History(ctx, conversationID, userID, after, limit)
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to list messages",
				zap.Uint("conversation_id", conversationID),
				zap.Uint("user_id", userID),
				zap.Error(err),
			)
			msg = "failed to list messages"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	conversationID, err := middleware.ParseID(chi.URLParam(r, "id"), "conversation id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := h.messageService.SendTo(ctx, conversationID, userID, req.Content)
	if err != nil {
		status, text := statusFor(err)
		if status >= http.StatusInternalServerError {
			text = "failed to send message"
		}
		writeError(w, status, text)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// DeleteForMe handles POST /api/v1/messages/{id}/delete-for-me
func (h *MessageHandler) DeleteForMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	messageID, err := middleware.ParseID(chi.URLParam(r, "id"), "message id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.messageService.DeleteForMe(ctx, messageID, userID); err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to delete message for user",
				zap.Uint("message_id", messageID),
				zap.Uint("user_id", userID),
				zap.Error(err),
			)
			msg = "failed to delete message"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
