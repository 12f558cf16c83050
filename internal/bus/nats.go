package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

const (
	// DefaultSubjectPrefix namespaces group subjects on a shared NATS cluster.
	DefaultSubjectPrefix = "chat.relay"

	headerExcludeIdentity = "Relay-Exclude-Identity"
	natsFlushTimeout      = 2 * time.Second
)

// NATS relays group payloads over core NATS subjects so that every relay
// process sees every publish. The process subscribes to a group's subject
// while it holds at least one local member and delivers to them on receipt,
// including its own publishes.
type NATS struct {
	conn   *nats.Conn
	prefix string
	reg    *registry
	logger *logger.Logger

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// NewNATS creates a bus on an established connection. The connection is
// owned by the caller.
func NewNATS(conn *nats.Conn, prefix string, log *logger.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		reg:    newRegistry(),
		logger: log.Named("bus.nats"),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (n *NATS) subject(group string) string {
	return n.prefix + "." + group
}

// Join adds sub to group, subscribing to the group subject on first use.
func (n *NATS) Join(_ context.Context, group string, sub Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if !n.reg.add(group, sub) {
		return nil
	}

	s, err := n.conn.Subscribe(n.subject(group), func(msg *nats.Msg) {
		n.receive(group, msg)
	})
	if err != nil {
		n.reg.remove(group, sub)
		return fmt.Errorf("failed to subscribe to %s: %w", group, err)
	}
	if err := n.conn.FlushTimeout(natsFlushTimeout); err != nil {
		_ = s.Unsubscribe()
		n.reg.remove(group, sub)
		return fmt.Errorf("failed to flush subscription: %w", err)
	}
	n.subs[group] = s

	n.logger.Debug("subscribed", zap.String("subject", s.Subject))
	return nil
}

// Leave removes sub from group and drops the subject subscription once no
// local member remains.
func (n *NATS) Leave(_ context.Context, group string, sub Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.reg.remove(group, sub) {
		return nil
	}
	s, ok := n.subs[group]
	if !ok {
		return nil
	}
	delete(n.subs, group)
	if err := s.Unsubscribe(); err != nil && n.conn.IsConnected() {
		return fmt.Errorf("failed to unsubscribe from %s: %w", group, err)
	}
	return nil
}

// Publish sends payload to every process holding members of group.
func (n *NATS) Publish(_ context.Context, group string, payload []byte, opts ...PublishOption) error {
	o := applyOptions(opts)

	msg := nats.NewMsg(n.subject(group))
	msg.Data = payload
	if o.excludeIdentity != 0 {
		msg.Header.Set(headerExcludeIdentity, strconv.FormatUint(uint64(o.excludeIdentity), 10))
	}

	if err := n.conn.PublishMsg(msg); err != nil {
		metrics.BusPublishFailures.WithLabelValues("nats").Inc()
		return fmt.Errorf("failed to publish to %s: %w", group, err)
	}
	return nil
}

// PublishToIdentity publishes to the user's notification group.
func (n *NATS) PublishToIdentity(ctx context.Context, userID uint, payload []byte) error {
	return n.Publish(ctx, IdentityGroup(userID), payload)
}

// Ping verifies the NATS connection.
func (n *NATS) Ping(context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", n.conn.Status())
	}
	return nil
}

// Close unsubscribes every group. The connection stays open.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for group, s := range n.subs {
		if err := s.Unsubscribe(); err != nil {
			n.logger.Warn("failed to unsubscribe", zap.String("group", group), zap.Error(err))
		}
	}
	n.subs = make(map[string]*nats.Subscription)
	n.reg.reset()
	return nil
}

func (n *NATS) receive(group string, msg *nats.Msg) {
	var exclude uint
	if v := msg.Header.Get(headerExcludeIdentity); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			exclude = uint(id)
		} else {
			n.logger.Warn("ignoring invalid exclude header", zap.String("group", group), zap.String("value", v))
		}
	}
	delivered := n.reg.deliver(group, msg.Data, exclude)
	metrics.BusDeliveries.WithLabelValues("nats").Add(float64(delivered))
}
