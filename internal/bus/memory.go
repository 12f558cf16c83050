package bus

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// Memory is a single-process bus. Publishes reach only subscribers joined to
// this instance.
type Memory struct {
	reg    *registry
	closed atomic.Bool
	logger *logger.Logger
}

// NewMemory creates an in-process bus.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{
		reg:    newRegistry(),
		logger: log.Named("bus.memory"),
	}
}

// Join adds sub to group.
func (m *Memory) Join(_ context.Context, group string, sub Subscriber) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.reg.add(group, sub)
	m.logger.Debug("joined group", zap.String("group", group), zap.String("subscriber", sub.ID()))
	return nil
}

// Leave removes sub from group.
func (m *Memory) Leave(_ context.Context, group string, sub Subscriber) error {
	m.reg.remove(group, sub)
	return nil
}

// Publish delivers payload to the group's subscribers.
func (m *Memory) Publish(_ context.Context, group string, payload []byte, opts ...PublishOption) error {
	if m.closed.Load() {
		metrics.BusPublishFailures.WithLabelValues("memory").Inc()
		return ErrClosed
	}
	o := applyOptions(opts)
	n := m.reg.deliver(group, payload, o.excludeIdentity)
	metrics.BusDeliveries.WithLabelValues("memory").Add(float64(n))
	return nil
}

// PublishToIdentity delivers payload to every connection of userID.
func (m *Memory) PublishToIdentity(ctx context.Context, userID uint, payload []byte) error {
	return m.Publish(ctx, IdentityGroup(userID), payload)
}

// Members returns the number of subscribers in group.
func (m *Memory) Members(group string) int {
	return m.reg.size(group)
}

// Ping reports whether the bus accepts work.
func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.reg.reset()
	return nil
}
