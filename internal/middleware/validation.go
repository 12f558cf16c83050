package middleware

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseID parses a positive numeric path or query identifier.
func ParseID(raw, name string) (uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(n), nil
}

// ParseCursor parses an optional message id cursor; empty means 0.
func ParseCursor(raw string) (uint, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return ParseID(raw, "cursor")
}

// ParseLimit parses an optional page size; empty means 0 (server default).
func ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	return n, nil
}

// ValidateUsername checks a username supplied in a request body.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) > 150 {
		return fmt.Errorf("username exceeds maximum length")
	}
	return nil
}
