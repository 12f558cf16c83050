// Package bus fans payloads out to the connections subscribed to a group.
//
// A group is either a conversation (ConversationGroup) or a single user's
// notification channel (IdentityGroup). Backends deliver to subscribers held
// by the local process; the nats and redis backends also relay publishes
// between processes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Subscriber is a local receiver of group payloads, typically one connection.
type Subscriber interface {
	// ID uniquely identifies the subscriber within the process.
	ID() string
	// Identity is the user the subscriber belongs to.
	Identity() uint
	// Deliver queues payload for the subscriber. It must not block.
	Deliver(payload []byte) error
}

// Bus is a group-addressed publish/subscribe channel.
type Bus interface {
	Join(ctx context.Context, group string, sub Subscriber) error
	Leave(ctx context.Context, group string, sub Subscriber) error
	Publish(ctx context.Context, group string, payload []byte, opts ...PublishOption) error
	PublishToIdentity(ctx context.Context, userID uint, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// ConversationGroup returns the group key of a conversation.
func ConversationGroup(conversationID uint) string {
	return fmt.Sprintf("chat_%d", conversationID)
}

// IdentityGroup returns the group key of a user's notification channel.
func IdentityGroup(userID uint) string {
	return fmt.Sprintf("user_%d", userID)
}

// PublishOption customizes a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	excludeIdentity uint
}

// ExcludeIdentity skips every subscriber belonging to userID.
func ExcludeIdentity(userID uint) PublishOption {
	return func(o *publishOptions) {
		o.excludeIdentity = userID
	}
}

func applyOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// registry tracks local subscribers per group.
type registry struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
}

func newRegistry() *registry {
	return &registry{groups: make(map[string]map[string]Subscriber)}
}

// add registers sub and reports whether it is the group's first local member.
func (r *registry) add(group string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[group]
	first := len(members) == 0
	if members == nil {
		members = make(map[string]Subscriber)
		r.groups[group] = members
	}
	members[sub.ID()] = sub
	return first
}

// remove unregisters sub and reports whether the group is now empty. Removing
// an unknown subscriber is a no-op that reports false.
func (r *registry) remove(group string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[sub.ID()]; !ok {
		return false
	}
	delete(members, sub.ID())
	if len(members) == 0 {
		delete(r.groups, group)
		return true
	}
	return false
}

func (r *registry) size(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

func (r *registry) reset() {
	r.mu.Lock()
	r.groups = make(map[string]map[string]Subscriber)
	r.mu.Unlock()
}

// deliver hands payload to every local member of group except those of the
// excluded identity. It returns how many subscribers accepted the payload.
func (r *registry) deliver(group string, payload []byte, exclude uint) int {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.groups[group]))
	for _, sub := range r.groups[group] {
		if exclude != 0 && sub.Identity() == exclude {
			continue
		}
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Deliver(payload); err == nil {
			delivered++
		}
	}
	return delivered
}
