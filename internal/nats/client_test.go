package nats

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

func TestConnect(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	c, err := Connect(Config{URL: srv.ClientURL(), Name: "chat-relay-test"}, logger.NewNop())
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
	assert.NotNil(t, c.Conn())

	c.Close()
	assert.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectRejectsPartialTLS(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1", CAFile: "ca.pem"}, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1"}, logger.NewNop())
	require.Error(t, err)
}
