// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/auth"
	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log.Named("http.conversations"),
	}
}

// Me handles GET /api/v1/users/me
func (h *ConversationHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if !identity.Authenticated() {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, identity.User)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	summaries, err := h.service.List(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Uint("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

// Create handles POST /api/v1/conversations. It returns 201 when the private
// conversation was created and 200 when it already existed.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	var req model.CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := middleware.ValidateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detail, created, err := h.service.GetOrCreatePrivate(ctx, userID, strings.TrimSpace(req.Username))
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusNotFound {
			msg = "user not found"
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to create conversation", zap.Uint("user_id", userID), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, detail)
}

// MarkRead handles POST /api/v1/conversations/{id}/mark_read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.updateState(w, r, "mark_read", h.service.MarkRead)
}

// Hide handles POST /api/v1/conversations/{id}/hide
func (h *ConversationHandler) Hide(w http.ResponseWriter, r *http.Request) {
	h.updateState(w, r, "hide", h.service.Hide)
}

func (h *ConversationHandler) updateState(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	apply func(ctx context.Context, conversationID, userID uint) error,
) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	conversationID, err := middleware.ParseID(chi.URLParam(r, "id"), "conversation id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := apply(ctx, conversationID, userID); err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to update conversation state",
				zap.String("action", action),
				zap.Uint("conversation_id", conversationID),
				zap.Uint("user_id", userID),
				zap.Error(err),
			)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
