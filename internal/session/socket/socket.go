// Package socket implements the persistent bidirectional agent session:
// handshake, heartbeat, and replace-on-reconnect over one websocket per
// principal.
package socket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"triologue-gateway/internal/domain"
)

const (
	authDeadline = 10 * time.Second
	pingInterval = 30 * time.Second

	CloseAuthTimeout = 4001
	CloseAuthFailure = 4003
	CloseReplaced    = 4000
	CloseShutdown    = 1001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator resolves a bearer token to an agent, per-request.
type Authenticator interface {
	Authenticate(bearer string) (domain.Agent, bool)
}

// RoomLister enumerates rooms for the auth_ok handshake reply.
type RoomLister interface {
	RoomsFor(ctx context.Context, agentToken, username string) ([]domain.Room, error)
}

// InboundHandler forwards an authenticated socket send to the router's
// outbound path.
type InboundHandler func(ctx context.Context, agent domain.Agent, msg domain.OutboundMessage) (domain.SendResult, error)

// Metrics is the narrow set of counters the socket manager updates directly.
type Metrics struct {
	Connected    func()
	Disconnected func()
	AuthFailed   func()
}

// Manager owns the principal-id -> *Session map. At most one session exists
// per principal id at any instant.
type Manager struct {
	auth    Authenticator
	rooms   RoomLister
	inbound InboundHandler
	logger  *slog.Logger
	metrics Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(auth Authenticator, rooms RoomLister, inbound InboundHandler, logger *slog.Logger, metrics Metrics) *Manager {
	if metrics.Connected == nil {
		metrics.Connected = func() {}
	}
	if metrics.Disconnected == nil {
		metrics.Disconnected = func() {}
	}
	if metrics.AuthFailed == nil {
		metrics.AuthFailed = func() {}
	}
	return &Manager{
		auth:     auth,
		rooms:    rooms,
		inbound:  inbound,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for a principal id, if any.
func (m *Manager) Get(principalID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[principalID]
	return s, ok
}

// HandleUpgrade upgrades the HTTP connection and runs the session's
// lifecycle until it closes.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("socket upgrade failed", "err", err)
		return
	}

	sess := &Session{conn: conn, mgr: m, logger: m.logger}
	sess.run(r.Context())
}

// install replaces any prior session for the same principal id. A replaced
// peer's in-flight frames are not honored after the swap — the session is
// gone before the next frame is processed.
func (m *Manager) install(sess *Session) {
	m.mu.Lock()
	prior := m.sessions[sess.principalID]
	m.sessions[sess.principalID] = sess
	m.mu.Unlock()

	m.metrics.Connected()
	if prior != nil && prior != sess {
		prior.sendError(domain.ErrReplaced, "replaced by a new session")
		prior.close(CloseReplaced, "replaced")
	}
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	removed := m.sessions[sess.principalID] == sess
	if removed {
		delete(m.sessions, sess.principalID)
	}
	m.mu.Unlock()
	if removed {
		m.metrics.Disconnected()
	}
}

// CloseAll closes every live session with the shutdown code, for graceful
// process exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close(CloseShutdown, "shutting down")
	}
}

// Session is one authenticated (or awaiting-auth) socket connection.
type Session struct {
	conn        *websocket.Conn
	mgr         *Manager
	logger      *slog.Logger
	principalID string
	agent       domain.Agent

	mu     sync.Mutex
	closed bool
}

func (s *Session) PrincipalID() string { return s.principalID }

func (s *Session) run(ctx context.Context) {
	defer s.conn.Close()

	if !s.authenticate() {
		return
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-pingTicker.C:
				if err := s.conn.WriteJSON(frame{Type: "ping"}); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	s.readLoop(ctx)
	cancelPing()
	<-done
	s.mgr.remove(s)
}

type frame struct {
	Type       string            `json:"type"`
	Token      string            `json:"token,omitempty"`
	Room       string            `json:"room,omitempty"`
	RoomName   string            `json:"roomName,omitempty"`
	Content    string            `json:"content,omitempty"`
	Sender     string            `json:"sender,omitempty"`
	SenderType domain.SenderKind `json:"senderType,omitempty"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	MessageID  string            `json:"messageId,omitempty"`
	Agent      *agentWire        `json:"agent,omitempty"`
	Rooms      []domain.Room     `json:"rooms,omitempty"`
}

type agentWire struct {
	PrincipalID string `json:"principalId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Emoji       string `json:"emoji"`
}

func (s *Session) authenticate() bool {
	s.conn.SetReadDeadline(time.Now().Add(authDeadline))

	var f frame
	if err := s.conn.ReadJSON(&f); err != nil || f.Type != "auth" {
		s.sendError(domain.ErrUnknownEvent, "first frame must be auth")
		s.close(CloseAuthTimeout, "auth timeout or invalid first frame")
		return false
	}

	agent, ok := s.mgr.auth.Authenticate(f.Token)
	if !ok {
		s.mgr.metrics.AuthFailed()
		s.sendJSON(frame{Type: "auth_error", Code: string(domain.ErrAuthFailed)})
		s.close(CloseAuthFailure, "auth failed")
		return false
	}

	s.principalID = agent.PrincipalID
	s.agent = agent
	s.conn.SetReadDeadline(time.Time{})

	s.mgr.install(s)

	rooms, _ := s.mgr.rooms.RoomsFor(context.Background(), agent.BearerToken, agent.Username)
	s.sendJSON(frame{
		Type: "auth_ok",
		Agent: &agentWire{
			PrincipalID: agent.PrincipalID,
			Username:    agent.Username,
			DisplayName: agent.DisplayName,
			Emoji:       agent.Emoji,
		},
		Rooms: rooms,
	})
	return true
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case "message":
			s.handleMessage(ctx, f)
		case "pong":
			// consumed silently
		default:
			s.sendError(domain.ErrUnknownEvent, "unknown event type")
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, f frame) {
	if live, ok := s.mgr.Get(s.principalID); !ok || live != s {
		return
	}
	result, err := s.mgr.inbound(ctx, s.agent, domain.OutboundMessage{RoomID: f.Room, Content: f.Content})
	if err != nil {
		s.sendJSON(frame{Type: "error", Code: string(domain.ErrSendFailed), Message: err.Error()})
		return
	}
	s.sendJSON(frame{Type: "message_sent", Room: f.Room, MessageID: result.MessageID})
}

// Deliver writes an inbound room message to the peer. Context entries are
// not delivered on the socket path — the peer is expected to catch up via
// its own fetch.
func (s *Session) Deliver(msg domain.InboundMessage, _ []domain.ContextEntry) error {
	return s.sendJSON(frame{
		Type:       "message",
		MessageID:  msg.ID,
		Room:       msg.RoomID,
		RoomName:   msg.RoomName,
		Sender:     msg.SenderUsername,
		SenderType: msg.SenderKind,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	})
}

func (s *Session) sendError(code domain.ErrorCode, message string) {
	s.sendJSON(frame{Type: "error", Code: string(code), Message: message})
}

func (s *Session) sendJSON(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.conn.WriteJSON(f)
}

func (s *Session) Close(code int, reason string) error {
	s.close(code, reason)
	return nil
}

func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.conn.Close()
}
