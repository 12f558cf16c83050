package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitSubscribed(t *testing.T, c *redis.Client, channel string, want int64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		n, err := c.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && n[channel] == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRedisRelaysBetweenProcesses(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	admin := newRedisClient(t, mr)

	a := NewRedis(ctx, newRedisClient(t, mr), "", logger.NewNop())
	b := NewRedis(ctx, newRedisClient(t, mr), "", logger.NewNop())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	group := ConversationGroup(5)
	channel := DefaultChannelPrefix + group
	alice := newRecorder("alice", 1)
	bob := newRecorder("bob", 2)
	require.NoError(t, a.Join(ctx, group, alice))
	require.NoError(t, b.Join(ctx, group, bob))
	waitSubscribed(t, admin, channel, 2)

	require.NoError(t, a.Publish(ctx, group, []byte(`{"type":"new_message"}`)))
	alice.expect(t, `{"type":"new_message"}`)
	bob.expect(t, `{"type":"new_message"}`)

	require.NoError(t, a.Publish(ctx, group, []byte("typing"), ExcludeIdentity(1)))
	bob.expect(t, "typing")
	alice.expectNone(t)

	require.NoError(t, b.Leave(ctx, group, bob))
	waitSubscribed(t, admin, channel, 1)
	require.NoError(t, a.Publish(ctx, group, []byte("after")))
	alice.expect(t, "after")
	bob.expectNone(t)
}

func TestRedisIgnoresMalformedEnvelope(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	admin := newRedisClient(t, mr)
	b := NewRedis(ctx, newRedisClient(t, mr), "", logger.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	sub := newRecorder("a", 1)
	group := IdentityGroup(1)
	require.NoError(t, b.Join(ctx, group, sub))
	waitSubscribed(t, admin, DefaultChannelPrefix+group, 1)

	require.NoError(t, admin.Publish(ctx, DefaultChannelPrefix+group, "not json").Err())
	require.NoError(t, b.PublishToIdentity(ctx, 1, []byte("ok")))
	sub.expect(t, "ok")
	require.NoError(t, b.Ping(ctx))
}
