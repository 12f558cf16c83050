// Package realtime serves the websocket chat endpoint.
package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// Application close codes sent during the handshake.
const (
	CloseBadRequest      = 4000
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
)

const writeWait = 10 * time.Second

var (
	// ErrConnectionClosed is returned when delivering to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a frame is dropped for a slow client.
	ErrBufferFull = errors.New("send buffer full")
)

// Connection wraps a websocket and serializes outbound writes through a
// buffered channel drained by a single write loop.
type Connection struct {
	id     string
	userID uint

	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	once       sync.Once
	pingPeriod time.Duration
	logger     *logger.Logger
}

func newConnection(ws *websocket.Conn, userID uint, buffer int, pingPeriod time.Duration, log *logger.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:         id,
		userID:     userID,
		ws:         ws,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
		logger:     log.WithConnection(id, userID),
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// Identity returns the user the connection belongs to.
func (c *Connection) Identity() uint { return c.userID }

// Deliver queues payload for writing. A full buffer drops the payload; the
// connection stays open.
func (c *Connection) Deliver(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		metrics.WSDroppedFrames.Inc()
		c.logger.Warn("dropping outbound frame", zap.Int("buffer", cap(c.send)))
		return ErrBufferFull
	}
}

// Send encodes event as JSON and queues it.
func (c *Connection) Send(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.Deliver(payload)
}

// start launches the write loop.
func (c *Connection) start() {
	go c.writeLoop()
}

// Close sends a close frame with code and reason and releases the socket.
// Only the first call has an effect.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
