// Package presence tracks which users have recently shown activity.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records heartbeats and answers online queries.
type Tracker interface {
	// Touch marks the user online for the tracker's TTL.
	Touch(ctx context.Context, userID uint) error
	// Online returns the online flag of each requested user.
	Online(ctx context.Context, userIDs []uint) (map[uint]bool, error)
}

// Key returns the cache key holding a user's heartbeat.
func Key(userID uint) string {
	return fmt.Sprintf("online:%d", userID)
}

// Redis stores heartbeats as expiring keys.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed tracker.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Touch refreshes the user's key.
func (r *Redis) Touch(ctx context.Context, userID uint) error {
	if err := r.client.Set(ctx, Key(userID), time.Now().UTC().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: touch: %w", err)
	}
	return nil
}

// Online checks every key in a single round trip.
func (r *Redis) Online(ctx context.Context, userIDs []uint) (map[uint]bool, error) {
	out := make(map[uint]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, Key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: lookup: %w", err)
	}
	for i, id := range userIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

// Memory keeps heartbeats in process.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[uint]time.Time
}

// NewMemory creates an in-process tracker.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[uint]time.Time),
	}
}

// Touch records a heartbeat.
func (m *Memory) Touch(_ context.Context, userID uint) error {
	m.mu.Lock()
	m.seen[userID] = m.now()
	m.mu.Unlock()
	return nil
}

// Online reports users whose last heartbeat is within the TTL and forgets
// expired ones.
func (m *Memory) Online(_ context.Context, userIDs []uint) (map[uint]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[uint]bool, len(userIDs))
	for _, id := range userIDs {
		at, ok := m.seen[id]
		if ok && now.Sub(at) >= m.ttl {
			delete(m.seen, id)
			ok = false
		}
		out[id] = ok
	}
	return out, nil
}
