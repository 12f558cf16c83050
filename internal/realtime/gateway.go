package realtime

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/auth"
	"github.com/capitalize-ai/chat-relay/internal/bus"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/presence"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// NotificationsIdentifier is the reserved conversation identifier of a
// connection that only receives the user's chat_list_update events.
const NotificationsIdentifier = "list"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes websocket transport.
type Config struct {
	SendBuffer     int
	ReadLimit      int64
	PingPeriod     time.Duration
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 128
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	return c
}

// Gateway upgrades requests to websockets, authenticates and authorizes
// them, and runs each accepted connection until it closes.
type Gateway struct {
	resolver      *auth.Resolver
	conversations *service.ConversationService
	bus           bus.Bus
	presence      presence.Tracker
	dispatcher    *Dispatcher
	upgrader      websocket.Upgrader
	cfg           Config
	logger        *logger.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	draining bool
}

// NewGateway creates a gateway.
func NewGateway(
	cfg Config,
	resolver *auth.Resolver,
	conversations *service.ConversationService,
	messages *service.MessageService,
	b bus.Bus,
	tracker presence.Tracker,
	log *logger.Logger,
) *Gateway {
	cfg = cfg.withDefaults()
	log = log.Named("gateway")
	return &Gateway{
		resolver:      resolver,
		conversations: conversations,
		bus:           b,
		presence:      tracker,
		dispatcher:    NewDispatcher(messages, tracker, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		cfg:      cfg,
		logger:   log,
		sessions: make(map[*session]struct{}),
	}
}

// Routes mounts the websocket endpoint. The conversation identifier is
// optional in the path so that a missing one is rejected over the socket.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws/chat", g.ServeHTTP)
	r.Get("/ws/chat/", g.ServeHTTP)
	r.Get("/ws/chat/{conversation}", g.ServeHTTP)
	r.Get("/ws/chat/{conversation}/", g.ServeHTTP)
}

// ServeHTTP handles one websocket connection from upgrade to close.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := &session{gateway: g, ws: ws}
	if !g.track(s) {
		s.close(websocket.CloseGoingAway, closeReasonShutdown)
		return
	}
	defer g.untrack(s)
	defer s.close(websocket.CloseNormalClosure, "")

	ctx := r.Context()
	if !s.authorize(ctx, r) {
		return
	}
	s.activate(ctx)
	s.readLoop(ctx)
}

const closeReasonShutdown = "server shutting down"

func (g *Gateway) track(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) untrack(s *session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

// CloseAll stops accepting connections and sends every open socket a going
// away close frame. Each session then leaves its group on its own goroutine.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	g.draining = true
	open := make([]*websocket.Conn, 0, len(g.sessions))
	for s := range g.sessions {
		open = append(open, s.ws)
	}
	g.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReasonShutdown)
	for _, ws := range open {
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
	}
	g.logger.Info("closing websocket sessions", zap.Int("sessions", len(open)))
}

// Wait blocks until every session has finished or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		g.mu.Lock()
		n := len(g.sessions)
		g.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// session is the state of one websocket connection.
type session struct {
	gateway *Gateway
	ws      *websocket.Conn
	state   atomic.Int32

	conn     *Connection
	identity auth.Identity
	conv     *model.Conversation
	group    string
	joined   bool
	log      *logger.Logger

	closeOnce sync.Once
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) authorize(ctx context.Context, r *http.Request) bool {
	g := s.gateway
	s.state.Store(int32(StateConnecting))
	s.log = g.logger

	identifier := chi.URLParam(r, "conversation")
	if !identifierPattern.MatchString(identifier) {
		s.reject(CloseBadRequest, "bad_request", "invalid conversation identifier")
		return false
	}

	s.state.Store(int32(StateAuthorizing))
	s.identity = g.resolver.Resolve(ctx, tokenFromRequest(r))
	if !s.identity.Authenticated() {
		s.reject(CloseUnauthenticated, "unauthenticated", "unauthenticated")
		return false
	}
	userID := s.identity.UserID()
	s.conn = newConnection(s.ws, userID, g.cfg.SendBuffer, g.cfg.PingPeriod, g.logger)
	s.log = s.conn.logger

	if identifier == NotificationsIdentifier {
		s.group = bus.IdentityGroup(userID)
		return true
	}

	conv, err := g.conversations.Resolve(ctx, identifier)
	switch {
	case errors.Is(err, service.ErrNotFound):
		s.reject(CloseForbidden, "not_found", "forbidden")
		return false
	case err != nil:
		s.log.Error("failed to resolve conversation", zap.String("conversation", identifier), zap.Error(err))
		s.reject(CloseBadRequest, "storage_error", "bad request")
		return false
	}

	err = g.conversations.Authorize(ctx, conv, userID)
	switch {
	case errors.Is(err, service.ErrForbidden):
		s.reject(CloseForbidden, "forbidden", "forbidden")
		return false
	case err != nil:
		s.log.Error("failed to authorize connection", zap.Uint("conversation_id", conv.ID), zap.Error(err))
		s.reject(CloseBadRequest, "storage_error", "bad request")
		return false
	}

	s.conv = conv
	s.group = bus.ConversationGroup(conv.ID)
	s.log = s.log.With(zap.Uint("conversation_id", conv.ID))
	return true
}

func (s *session) activate(ctx context.Context) {
	g := s.gateway

	s.conn.start()
	if err := g.bus.Join(ctx, s.group, s.conn); err != nil {
		s.log.Error("failed to join group", zap.String("group", s.group), zap.Error(err))
		s.close(websocket.CloseInternalServerErr, "unavailable")
		return
	}
	s.joined = true
	s.state.Store(int32(StateActive))
	metrics.IncrementWSConnections()

	if g.presence != nil {
		if err := g.presence.Touch(ctx, s.identity.UserID()); err != nil {
			s.log.Warn("failed to record presence", zap.Error(err))
		}
	}

	ack := &model.ConnectionEstablishedEvent{
		Type:    model.EventConnectionEstablished,
		Message: "connected",
	}
	if s.conv != nil {
		ack.ConversationID = s.conv.ID
		ack.ConversationSlug = s.conv.Slug
	}
	_ = s.conn.Send(ack)

	s.log.Info("connection established", zap.String("group", s.group))
}

func (s *session) readLoop(ctx context.Context) {
	if s.State() != StateActive {
		return
	}

	pongWait := 2 * s.gateway.cfg.PingPeriod
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		data, err := readFrame(s.ws, s.gateway.cfg.ReadLimit)
		if errors.Is(err, errFrameTooLarge) {
			_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
			s.gateway.dispatcher.Oversized(s, data)
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.gateway.dispatcher.Dispatch(ctx, s, data)
	}
}

// reject closes a connection that never became active.
func (s *session) reject(code int, reason, text string) {
	metrics.RecordRejection(reason)
	s.log.Debug("connection rejected", zap.Int("code", code), zap.String("reason", reason))
	s.close(code, text)
}

// close leaves the group if it was joined and closes the socket. It is safe
// to call more than once.
func (s *session) close(code int, text string) {
	s.closeOnce.Do(func() {
		wasActive := s.State() == StateActive
		s.state.Store(int32(StateClosed))

		if s.joined {
			// The request context may already be done.
			if err := s.gateway.bus.Leave(context.Background(), s.group, s.conn); err != nil {
				s.log.Warn("failed to leave group", zap.String("group", s.group), zap.Error(err))
			}
			s.joined = false
		}
		if wasActive {
			metrics.DecrementWSConnections()
			s.log.Info("connection closed")
		}

		if s.conn != nil {
			s.conn.Close(code, text)
			return
		}
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

// send queues an event for this connection only.
func (s *session) send(event any) {
	if err := s.conn.Send(event); err != nil {
		s.log.Debug("failed to queue reply", zap.Error(err))
	}
}

func (s *session) replyError(message string) {
	s.send(model.NewErrorEvent(message))
}

func tokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}
