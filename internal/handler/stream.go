package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/bus"
	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/presence"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

const (
	defaultHeartbeat = 30 * time.Second
	streamBuffer     = 32
)

// StreamHandler serves the per-user notification channel as server-sent events.
type StreamHandler struct {
	bus       bus.Bus
	presence  presence.Tracker
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler. A zero heartbeat uses the
// default interval.
func NewStreamHandler(b bus.Bus, tracker presence.Tracker, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamHandler{
		bus:       b,
		presence:  tracker,
		heartbeat: heartbeat,
		logger:    log.Named("http.stream"),
	}
}

// errStreamBacklog is returned when an SSE client falls too far behind.
var errStreamBacklog = errors.New("notification stream backlog full")

// streamSubscriber receives identity group payloads for one SSE client.
type streamSubscriber struct {
	id     string
	userID uint
	events chan []byte
}

func (s *streamSubscriber) ID() string     { return s.id }
func (s *streamSubscriber) Identity() uint { return s.userID }

func (s *streamSubscriber) Deliver(payload []byte) error {
	select {
	case s.events <- payload:
		return nil
	default:
		metrics.WSDroppedFrames.Inc()
		return errStreamBacklog
	}
}

// Stream handles GET /api/v1/notifications/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := &streamSubscriber{
		id:     uuid.NewString(),
		userID: userID,
		events: make(chan []byte, streamBuffer),
	}
	group := bus.IdentityGroup(userID)
	if err := h.bus.Join(ctx, group, sub); err != nil {
		h.logger.Error("failed to join notification group", zap.Uint("user_id", userID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	defer func() {
		// The request context is already done here.
		if err := h.bus.Leave(context.WithoutCancel(ctx), group, sub); err != nil {
			h.logger.Warn("failed to leave notification group", zap.Uint("user_id", userID), zap.Error(err))
		}
	}()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	h.touch(r, userID)
	sendSSEEvent(w, flusher, "connected", map[string]uint{"user_id": userID})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.Uint("user_id", userID))
			return

		case payload := <-sub.events:
			if err := sendSSERaw(w, flusher, eventName(payload), payload); err != nil {
				return
			}

		case <-heartbeat.C:
			h.touch(r, userID)
			if err := sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{
				"timestamp": time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) touch(r *http.Request, userID uint) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Touch(r.Context(), userID); err != nil {
		h.logger.Warn("failed to refresh presence", zap.Uint("user_id", userID), zap.Error(err))
	}
}

// eventName returns the type tag of a bus payload, used as the SSE event name.
func eventName(payload []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		return "message"
	}
	return env.Type
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sendSSERaw(w, flusher, event, jsonData)
}

func sendSSERaw(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
