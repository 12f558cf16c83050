package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/chat-relay/internal/service"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// decodeBody decodes a bounded JSON request body into v. On failure it
// writes the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps a service error to an HTTP status and a client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrSelfConversation):
		return http.StatusBadRequest, service.ErrSelfConversation.Error()
	case errors.Is(err, service.ErrEmptyContent):
		return http.StatusBadRequest, "message content cannot be empty"
	case errors.Is(err, service.ErrContentTooLong):
		return http.StatusBadRequest, "message content exceeds maximum length"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
