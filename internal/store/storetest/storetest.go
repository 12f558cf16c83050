// Package storetest provides in-memory stores for tests.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
)

// New returns a migrated store backed by a private in-memory SQLite database.
func New(t testing.TB) *store.Store {
	t.Helper()

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	s, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// User inserts a user with the given username.
func User(t testing.TB, s *store.Store, username string) *model.User {
	t.Helper()

	u := &model.User{Username: username}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

// Private creates the private conversation between two users.
func Private(t testing.TB, s *store.Store, a, b *model.User) *model.Conversation {
	t.Helper()

	conv, _, err := s.GetOrCreatePrivate(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	return conv
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at start, installed on s.
func NewClock(s *store.Store, start time.Time) *Clock {
	c := &Clock{now: start.UTC()}
	s.SetClock(c.Now)
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
