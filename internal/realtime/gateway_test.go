package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/auth"
	"github.com/capitalize-ai/chat-relay/internal/bus"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/presence"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/internal/store/storetest"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

const testSecret = "gateway-secret"

type harness struct {
	t        *testing.T
	store    *store.Store
	bus      *bus.Memory
	presence *presence.Memory
	gateway  *Gateway
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	st := storetest.New(t)
	b := bus.NewMemory(log)
	tracker := presence.NewMemory(time.Minute)
	resolver := auth.NewResolver(testSecret, st, log)
	convs := service.NewConversationService(st, tracker, log)
	msgs := service.NewMessageService(st, convs, b, log)
	gw := NewGateway(Config{SendBuffer: 32, PingPeriod: time.Minute}, resolver, convs, msgs, b, tracker, log)

	r := chi.NewRouter()
	gw.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &harness{t: t, store: st, bus: b, presence: tracker, gateway: gw, server: srv}
}

func (h *harness) token(u *model.User) string {
	h.t.Helper()
	tok, err := auth.IssueToken(testSecret, u.ID, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) dial(path, token string) *client {
	h.t.Helper()
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	if token != "" {
		u += "?token=" + token
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.t.Cleanup(func() { _ = ws.Close() })
	return &client{t: h.t, ws: ws}
}

// connect dials and consumes the connection_established event.
func (h *harness) connect(path string, u *model.User) *client {
	h.t.Helper()
	c := h.dial(path, h.token(u))
	ev := c.next()
	require.Equal(h.t, "connection_established", ev["type"])
	return c
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *client) sendJSON(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) next() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var ev map[string]any
	require.NoError(c.t, json.Unmarshal(data, &ev))
	return ev
}

// expectError asserts that the next event is an error frame with text.
func (c *client) expectError(text string) {
	c.t.Helper()
	ev := c.next()
	assert.Equal(c.t, "error", ev["type"])
	assert.Equal(c.t, text, ev["message"])
}

// expectQuiet asserts that nothing is queued ahead of a pong.
func (c *client) expectQuiet() {
	c.t.Helper()
	c.sendJSON(map[string]any{"type": "ping"})
	ev := c.next()
	assert.Equal(c.t, "pong", ev["type"], "unexpected event %v", ev)
}

func (c *client) expectClose(code int) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(c.t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(c.t, code, ce.Code)
}

func path(conv any) string {
	switch v := conv.(type) {
	case uint:
		return "/ws/chat/" + strconv.FormatUint(uint64(v), 10) + "/"
	default:
		return "/ws/chat/" + v.(string) + "/"
	}
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	bob := storetest.User(t, h.store, "bob")
	carol := storetest.User(t, h.store, "carol")
	conv := storetest.Private(t, h.store, alice, bob)
	expired, err := auth.IssueToken(testSecret, alice.ID, -time.Minute)
	require.NoError(t, err)
	ghost, err := auth.IssueToken(testSecret, 4242, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{name: "missing identifier", path: "/ws/chat/", token: h.token(alice), code: CloseBadRequest},
		{name: "missing identifier without slash", path: "/ws/chat", token: h.token(alice), code: CloseBadRequest},
		{name: "invalid identifier", path: "/ws/chat/bad.id/", token: h.token(alice), code: CloseBadRequest},
		{name: "no token", path: path("global"), code: CloseUnauthenticated},
		{name: "garbage token", path: path("global"), token: "garbage", code: CloseUnauthenticated},
		{name: "expired token", path: path("global"), token: expired, code: CloseUnauthenticated},
		{name: "unknown user", path: path("global"), token: ghost, code: CloseUnauthenticated},
		{name: "not a participant", path: path(conv.ID), token: h.token(carol), code: CloseForbidden},
		{name: "not a participant by slug", path: path(conv.Slug), token: h.token(carol), code: CloseForbidden},
		{name: "unknown slug", path: path("nowhere"), token: h.token(alice), code: CloseForbidden},
		{name: "unknown id", path: path(uint(9999)), token: h.token(alice), code: CloseForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := h.dial(tt.path, tt.token)
			c.expectClose(tt.code)
		})
	}

	assert.Zero(t, h.bus.Members(bus.ConversationGroup(conv.ID)))
}

func TestConnectionEstablished(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")

	c := h.dial("/ws/chat/global", h.token(alice))
	ev := c.next()
	assert.Equal(t, "connection_established", ev["type"])
	assert.Equal(t, "global", ev["conversation_slug"])
	assert.NotZero(t, ev["conversation_id"])

	online, err := h.presence.Online(context.Background(), []uint{alice.ID})
	require.NoError(t, err)
	assert.True(t, online[alice.ID])
}

func TestBearerHeaderIsAccepted(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")

	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/chat/global/"
	header := http.Header{"Authorization": []string{"Bearer " + h.token(alice)}}
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws}
	assert.Equal(t, "connection_established", c.next()["type"])
}

func TestChatMessageReachesEveryoneIncludingSender(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	bob := storetest.User(t, h.store, "bob")
	conv := storetest.Private(t, h.store, alice, bob)

	ac := h.connect(path(conv.ID), alice)
	bc := h.connect(path(conv.Slug), bob)
	bobList := h.connect(path(NotificationsIdentifier), bob)

	ac.sendJSON(map[string]any{"type": "chat_message", "content": "  hi bob  "})

	for _, c := range []*client{ac, bc} {
		ev := c.next()
		require.Equal(t, "new_message", ev["type"])
		msg := ev["message"].(map[string]any)
		assert.Equal(t, "hi bob", msg["content"])
		assert.Equal(t, float64(conv.ID), msg["conversation"])
		assert.Equal(t, "alice", msg["sender"].(map[string]any)["username"])
	}

	update := bobList.next()
	assert.Equal(t, "chat_list_update", update["type"])
	assert.Equal(t, float64(conv.ID), update["conversation_id"])
	assert.Equal(t, float64(1), update["unread_count"])

	msgs, err := h.store.ListMessagesAfter(context.Background(), conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestChatMessageValidation(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	c := h.connect(path("global"), alice)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "empty", frame: `{"type":"chat_message","content":""}`, want: errEmptyContent},
		{name: "blank", frame: `{"type":"chat_message","content":"   "}`, want: errEmptyContent},
		{name: "missing content", frame: `{"type":"chat_message"}`, want: errEmptyContent},
		{name: "too long", frame: `{"type":"chat_message","content":"` + strings.Repeat("x", model.MaxMessageLength+1) + `"}`, want: errContentTooLong},
		{name: "wrong content type", frame: `{"type":"chat_message","content":5}`, want: errInvalidPayload},
		{name: "malformed json", frame: `{"type":`, want: errInvalidPayload},
		{name: "not an object", frame: `[1,2]`, want: errInvalidPayload},
		{name: "unknown type", frame: `{"type":"edit_message"}`, want: errUnknownType},
		{name: "missing type", frame: `{"content":"x"}`, want: errUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.sendRaw(tt.frame)
			c.expectError(tt.want)
		})
	}

	global, err := h.store.GetConversationBySlug(context.Background(), model.GlobalSlug)
	require.NoError(t, err)
	msgs, err := h.store.ListMessagesAfter(context.Background(), global.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	c.expectQuiet()
}

func TestOversizedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	c := h.connect(path("global"), alice)

	huge := strings.Repeat("x", 70000)
	padded := "hi" + strings.Repeat(" ", 70000)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "long content", frame: `{"type":"chat_message","content":"` + huge + `"}`, want: errContentTooLong},
		{name: "padded content", frame: `{"type":"chat_message","content":"` + padded + `"}`, want: errContentTooLong},
		{name: "type after content", frame: `{"content":"` + huge + `","type":"chat_message"}`, want: errInvalidPayload},
		{name: "other type", frame: `{"type":"typing","is_typing":true,"junk":"` + huge + `"}`, want: errInvalidPayload},
		{name: "not json", frame: huge, want: errInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.sendRaw(tt.frame)
			c.expectError(tt.want)
			c.expectQuiet()
		})
	}

	global, err := h.store.GetConversationBySlug(context.Background(), model.GlobalSlug)
	require.NoError(t, err)
	msgs, err := h.store.ListMessagesAfter(context.Background(), global.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	c.sendJSON(map[string]any{"type": "chat_message", "content": "still here"})
	ev := c.next()
	assert.Equal(t, "new_message", ev["type"])
}

func TestLeadingFrameType(t *testing.T) {
	tests := []struct {
		prefix string
		want   model.FrameType
	}{
		{prefix: `{"type":"chat_message","content":"abc`, want: model.FrameChatMessage},
		{prefix: ` { "type" : "typing"`, want: model.FrameTyping},
		{prefix: `{"id":1,"meta":{"a":[1,2]},"type":"ping","x":"`, want: model.FramePing},
		{prefix: `{"content":"abc`, want: ""},
		{prefix: `{"type":5}`, want: ""},
		{prefix: `[1,2`, want: ""},
		{prefix: `xxxx`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, leadingFrameType([]byte(tt.prefix)))
		})
	}
}

func TestTypingSkipsOwnConnections(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	bob := storetest.User(t, h.store, "bob")
	conv := storetest.Private(t, h.store, alice, bob)

	aliceTab1 := h.connect(path(conv.ID), alice)
	aliceTab2 := h.connect(path(conv.ID), alice)
	bc := h.connect(path(conv.ID), bob)

	aliceTab1.sendJSON(map[string]any{"type": "typing", "is_typing": true})

	ev := bc.next()
	assert.Equal(t, "typing_indicator", ev["type"])
	assert.Equal(t, float64(alice.ID), ev["user_id"])
	assert.Equal(t, "alice", ev["username"])
	assert.Equal(t, true, ev["is_typing"])

	aliceTab1.expectQuiet()
	aliceTab2.expectQuiet()

	msgs, err := h.store.ListMessagesAfter(context.Background(), conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	bob := storetest.User(t, h.store, "bob")
	conv := storetest.Private(t, h.store, alice, bob)

	ac := h.connect(path(conv.ID), alice)
	bc := h.connect(path(conv.ID), bob)

	ac.sendJSON(map[string]any{"type": "chat_message", "content": "regret"})
	id := uint(ac.next()["message"].(map[string]any)["id"].(float64))
	bc.next()

	t.Run("missing id", func(t *testing.T) {
		ac.sendRaw(`{"type":"delete_message"}`)
		ac.expectError(errMessageIDRequired)
		ac.sendRaw(`{"type":"delete_message","message_id":"abc"}`)
		ac.expectError(errMessageIDRequired)
	})

	t.Run("not the author", func(t *testing.T) {
		bc.sendJSON(map[string]any{"type": "delete_message", "message_id": id})
		bc.expectError(errDeleteFailed)
		_, err := h.store.GetMessage(context.Background(), id)
		require.NoError(t, err)
	})

	t.Run("author as string id", func(t *testing.T) {
		ac.sendJSON(map[string]any{"type": "delete_message", "message_id": strconv.FormatUint(uint64(id), 10)})
		ev := ac.next()
		assert.Equal(t, "message_deleted", ev["type"])
		assert.Equal(t, float64(id), ev["message_id"])

		_, err := h.store.GetMessage(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		bc.expectQuiet()
	})

	t.Run("already deleted", func(t *testing.T) {
		ac.sendJSON(map[string]any{"type": "delete_message", "message_id": id})
		ac.expectError(errDeleteFailed)
	})
}

func TestNotificationConnectionRejectsChatFrames(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")

	c := h.connect(path(NotificationsIdentifier), alice)
	c.sendJSON(map[string]any{"type": "chat_message", "content": "hi"})
	c.expectError(errUnknownType)
	c.expectQuiet()
	assert.Equal(t, 1, h.bus.Members(bus.IdentityGroup(alice.ID)))
}

func TestDisconnectLeavesGroup(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	c := h.connect(path("global"), alice)

	global, err := h.store.GetConversationBySlug(context.Background(), model.GlobalSlug)
	require.NoError(t, err)
	group := bus.ConversationGroup(global.ID)
	assert.Equal(t, 1, h.bus.Members(group))

	require.NoError(t, c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = c.ws.Close()

	assert.Eventually(t, func() bool { return h.bus.Members(group) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestCloseAllSendsGoingAway(t *testing.T) {
	h := newHarness(t)
	alice := storetest.User(t, h.store, "alice")
	bob := storetest.User(t, h.store, "bob")
	conv := storetest.Private(t, h.store, alice, bob)

	ac := h.connect(path(conv.ID), alice)
	bl := h.connect(path(NotificationsIdentifier), bob)

	h.gateway.CloseAll()
	ac.expectClose(websocket.CloseGoingAway)
	bl.expectClose(websocket.CloseGoingAway)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.gateway.Wait(ctx))
	assert.Zero(t, h.bus.Members(bus.ConversationGroup(conv.ID)))
	assert.Zero(t, h.bus.Members(bus.IdentityGroup(bob.ID)))

	late := h.dial(path(conv.ID), h.token(alice))
	late.expectClose(websocket.CloseGoingAway)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authorizing", StateAuthorizing.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no list", origin: "http://a.test", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://a.test", want: true},
		{name: "listed", allowed: []string{"http://a.test/"}, origin: "http://a.test", want: true},
		{name: "not listed", allowed: []string{"http://a.test"}, origin: "http://b.test", want: false},
		{name: "no origin header", allowed: []string{"http://a.test"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/chat/global/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}
