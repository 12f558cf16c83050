package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// DefaultChannelPrefix namespaces group channels on a shared Redis.
const DefaultChannelPrefix = "chat-relay:"

// redisEnvelope is the wire form of a publish; Redis pub/sub has no headers.
type redisEnvelope struct {
	Exclude uint   `json:"exclude,omitempty"`
	Payload []byte `json:"payload"`
}

// Redis relays group payloads over Redis pub/sub using one subscription
// connection per process.
type Redis struct {
	client *redis.Client
	prefix string
	reg    *registry
	logger *logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
	done   chan struct{}
}

// NewRedis creates a bus on client and starts its receive loop. The client
// is owned by the caller.
func NewRedis(ctx context.Context, client *redis.Client, prefix string, log *logger.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		reg:    newRegistry(),
		logger: log.Named("bus.redis"),
		pubsub: client.Subscribe(ctx),
		done:   make(chan struct{}),
	}
	go r.receiveLoop(r.pubsub.Channel())
	return r
}

func (r *Redis) channel(group string) string {
	return r.prefix + group
}

// Join adds sub to group, subscribing to the group channel on first use.
func (r *Redis) Join(ctx context.Context, group string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if !r.reg.add(group, sub) {
		return nil
	}
	if err := r.pubsub.Subscribe(ctx, r.channel(group)); err != nil {
		r.reg.remove(group, sub)
		return fmt.Errorf("failed to subscribe to %s: %w", group, err)
	}
	return nil
}

// Leave removes sub from group and unsubscribes once no local member remains.
func (r *Redis) Leave(ctx context.Context, group string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.reg.remove(group, sub) || r.closed {
		return nil
	}
	if err := r.pubsub.Unsubscribe(ctx, r.channel(group)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", group, err)
	}
	return nil
}

// Publish sends payload to every process holding members of group.
func (r *Redis) Publish(ctx context.Context, group string, payload []byte, opts ...PublishOption) error {
	o := applyOptions(opts)
	data, err := json.Marshal(redisEnvelope{Exclude: o.excludeIdentity, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(group), data).Err(); err != nil {
		metrics.BusPublishFailures.WithLabelValues("redis").Inc()
		return fmt.Errorf("failed to publish to %s: %w", group, err)
	}
	return nil
}

// PublishToIdentity publishes to the user's notification group.
func (r *Redis) PublishToIdentity(ctx context.Context, userID uint, payload []byte) error {
	return r.Publish(ctx, IdentityGroup(userID), payload)
}

// Ping verifies the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops the receive loop and drops all subscriptions. The client stays
// open.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.pubsub.Close()
	r.reg.reset()
	r.mu.Unlock()

	<-r.done
	return err
}

func (r *Redis) receiveLoop(ch <-chan *redis.Message) {
	defer close(r.done)

	for msg := range ch {
		group := strings.TrimPrefix(msg.Channel, r.prefix)

		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("dropping malformed envelope", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		delivered := r.reg.deliver(group, env.Payload, env.Exclude)
		metrics.BusDeliveries.WithLabelValues("redis").Add(float64(delivered))
	}
}
