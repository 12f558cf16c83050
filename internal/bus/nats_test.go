package bus

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)
	return s
}

func connectNATS(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSRelaysBetweenProcesses(t *testing.T) {
	ctx := context.Background()
	srv := runNATS(t)

	a := NewNATS(connectNATS(t, srv), "", logger.NewNop())
	b := NewNATS(connectNATS(t, srv), "", logger.NewNop())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	group := ConversationGroup(1)
	alice := newRecorder("alice", 1)
	bob := newRecorder("bob", 2)
	require.NoError(t, a.Join(ctx, group, alice))
	require.NoError(t, b.Join(ctx, group, bob))

	t.Run("publish reaches local and remote members", func(t *testing.T) {
		require.NoError(t, a.Publish(ctx, group, []byte(`{"type":"new_message"}`)))
		alice.expect(t, `{"type":"new_message"}`)
		bob.expect(t, `{"type":"new_message"}`)
	})

	t.Run("exclusion crosses processes", func(t *testing.T) {
		require.NoError(t, b.Publish(ctx, group, []byte("typing"), ExcludeIdentity(2)))
		alice.expect(t, "typing")
		bob.expectNone(t)
	})

	t.Run("leave drops the subscription", func(t *testing.T) {
		require.NoError(t, b.Leave(ctx, group, bob))
		b.mu.Lock()
		_, subscribed := b.subs[group]
		b.mu.Unlock()
		assert.False(t, subscribed)

		require.NoError(t, a.Publish(ctx, group, []byte("after")))
		alice.expect(t, "after")
		bob.expectNone(t)
	})
}

func TestNATSPublishToIdentity(t *testing.T) {
	ctx := context.Background()
	srv := runNATS(t)
	a := NewNATS(connectNATS(t, srv), "test", logger.NewNop())
	b := NewNATS(connectNATS(t, srv), "test", logger.NewNop())

	list := newRecorder("list", 9)
	require.NoError(t, a.Join(ctx, IdentityGroup(9), list))

	require.NoError(t, b.PublishToIdentity(ctx, 9, []byte("update")))
	list.expect(t, "update")
	require.NoError(t, b.Ping(ctx))

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Join(ctx, IdentityGroup(9), list), ErrClosed)
}

func TestNATSInvalidExcludeHeaderStillDelivers(t *testing.T) {
	ctx := context.Background()
	srv := runNATS(t)
	n := NewNATS(connectNATS(t, srv), "", logger.NewNop())
	t.Cleanup(func() { _ = n.Close() })
	raw := connectNATS(t, srv)

	group := ConversationGroup(3)
	alice := newRecorder("alice", 1)
	bob := newRecorder("bob", 2)
	require.NoError(t, n.Join(ctx, group, alice))
	require.NoError(t, n.Join(ctx, group, bob))

	tests := []struct {
		name   string
		header string
	}{
		{name: "not a number", header: "bob"},
		{name: "negative", header: "-2"},
		{name: "overflow", header: "184467440737095516160"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := nats.NewMsg(n.subject(group))
			msg.Data = []byte(tt.name)
			msg.Header.Set(headerExcludeIdentity, tt.header)
			require.NoError(t, raw.PublishMsg(msg))
			require.NoError(t, raw.Flush())

			alice.expect(t, tt.name)
			bob.expect(t, tt.name)
		})
	}
}
