package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errFull = errors.New("full")

type recorder struct {
	id   string
	user uint
	ch   chan []byte
}

func newRecorder(id string, user uint) *recorder {
	return &recorder{id: id, user: user, ch: make(chan []byte, 16)}
}

func (r *recorder) ID() string     { return r.id }
func (r *recorder) Identity() uint { return r.user }

func (r *recorder) Deliver(payload []byte) error {
	select {
	case r.ch <- payload:
		return nil
	default:
		return errFull
	}
}

func (r *recorder) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.ch:
		assert.Equal(t, want, string(got))
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: timed out waiting for %q", r.id, want)
	}
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.ch:
		t.Fatalf("%s: unexpected payload %q", r.id, got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestGroupKeys(t *testing.T) {
	assert.Equal(t, "chat_42", ConversationGroup(42))
	assert.Equal(t, "user_7", IdentityGroup(7))
}

func TestRegistry(t *testing.T) {
	reg := newRegistry()
	a := newRecorder("a", 1)
	b := newRecorder("b", 2)

	assert.True(t, reg.add("g", a))
	assert.False(t, reg.add("g", b))
	assert.False(t, reg.add("g", a), "re-adding the same subscriber is not a first join")
	assert.Equal(t, 2, reg.size("g"))

	assert.False(t, reg.remove("g", newRecorder("x", 9)))
	assert.False(t, reg.remove("other", a))
	assert.False(t, reg.remove("g", a))
	assert.True(t, reg.remove("g", b))
	assert.Zero(t, reg.size("g"))
}

func TestRegistryDeliverCountsAccepted(t *testing.T) {
	reg := newRegistry()
	full := &recorder{id: "full", user: 1, ch: make(chan []byte)}
	ok := newRecorder("ok", 2)
	reg.add("g", full)
	reg.add("g", ok)

	assert.Equal(t, 1, reg.deliver("g", []byte("x"), 0))
	assert.Equal(t, 0, reg.deliver("g", []byte("x"), 2))
	assert.Equal(t, 0, reg.deliver("missing", []byte("x"), 0))
}

func TestApplyOptions(t *testing.T) {
	assert.Zero(t, applyOptions(nil).excludeIdentity)
	assert.Equal(t, uint(5), applyOptions([]PublishOption{ExcludeIdentity(5)}).excludeIdentity)
}

func ExampleConversationGroup() {
	fmt.Println(ConversationGroup(3), IdentityGroup(9))
	// Output: chat_3 user_9
}
