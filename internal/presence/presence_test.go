package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTracker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr := NewRedis(client, time.Minute)
	require.NoError(t, tr.Touch(ctx, 1))

	online, err := tr.Online(ctx, []uint{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[uint]bool{1: true, 2: false}, online)
	assert.True(t, mr.Exists(Key(1)))

	mr.FastForward(2 * time.Minute)
	online, err = tr.Online(ctx, []uint{1})
	require.NoError(t, err)
	assert.False(t, online[1])

	empty, err := tr.Online(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisTrackerUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	tr := NewRedis(client, time.Minute)
	assert.Error(t, tr.Touch(context.Background(), 1))
	_, err := tr.Online(context.Background(), []uint{1})
	assert.Error(t, err)
}

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(30 * time.Second)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Touch(ctx, 7))

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{name: "fresh", advance: 0, want: true},
		{name: "within ttl", advance: 29 * time.Second, want: true},
		{name: "expired", advance: 2 * time.Second, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = now.Add(tt.advance)
			got, err := m.Online(ctx, []uint{7, 8})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got[7])
			assert.False(t, got[8])
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "online:12", Key(12))
}
