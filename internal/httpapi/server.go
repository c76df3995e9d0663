// Package httpapi exposes the gateway's downstream HTTP surface: the
// socket upgrade, the SSE stream and send endpoints, the legacy send
// endpoint, and the public health/metrics endpoints. It owns bearer
// authentication and per-principal rate limiting; the session, router, and
// storage packages do the actual work.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"triologue-gateway/internal/domain"
	"triologue-gateway/internal/eventlog"
	"triologue-gateway/internal/metrics"
	"triologue-gateway/internal/session/socket"
)

const (
	standardRateLimit = 10 // req/min
	elevatedRateLimit = 30 // req/min
)

// Registry is the subset of registry.Registry the HTTP surface consults.
type Registry interface {
	Authenticate(bearer string) (domain.Agent, bool)
	GetAll() []domain.Agent
	RevokedPrincipal(token string) (string, bool)
}

// Sender dispatches an outbound send under an agent's own credentials.
type Sender interface {
	SendAs(ctx context.Context, agentToken, roomID, content string) (domain.SendResult, error)
}

// Sockets is the subset of socket.Manager the status endpoint consults.
type Sockets interface {
	Get(principalID string) (*socket.Session, bool)
}

// Streams is the subset of stream.Manager the status endpoint consults.
type Streams interface {
	CountFor(principalID string) int
}

// StreamHandler serves one SSE connection end to end, blocking until the
// peer disconnects.
type StreamHandler interface {
	Handle(w http.ResponseWriter, r *http.Request, agent domain.Agent)
}

// Server owns the gateway's HTTP mux and its per-principal rate limiters.
type Server struct {
	registry Registry
	sockets  Sockets
	streams  Streams
	stream   StreamHandler
	eventLog *eventlog.Store
	sender   Sender
	metrics  *metrics.Collector
	logger   *slog.Logger

	startTime time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Config wires the Server's dependencies.
type Config struct {
	Registry Registry
	Sockets  Sockets
	Streams  Streams
	Stream   StreamHandler
	EventLog *eventlog.Store
	Sender   Sender
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		registry:  cfg.Registry,
		sockets:   cfg.Sockets,
		streams:   cfg.Streams,
		stream:    cfg.Stream,
		eventLog:  cfg.EventLog,
		sender:    cfg.Sender,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		startTime: time.Now(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Mux builds the gateway's full downstream HTTP surface. The socket upgrade
// path authenticates off the first frame, not a header, so it bypasses the
// bearer middleware entirely.
func (s *Server) Mux(upgrade http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /byoa/ws", upgrade)
	mux.HandleFunc("GET /byoa/sse/stream", s.requireBearer(s.handleStream))
	mux.HandleFunc("POST /byoa/sse/messages", s.requireBearer(s.rateLimited(s.handleSendMessage)))
	mux.HandleFunc("GET /byoa/sse/status", s.requireBearer(s.handleStatus))
	mux.HandleFunc("GET /byoa/sse/health", s.handleLiveness)
	mux.HandleFunc("POST /send", s.requireBearer(s.handleLegacySend))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.metrics.ReportHandler())
	mux.HandleFunc("GET /metrics/json", s.metrics.JSONHandler())

	return mux
}

type agentCtxKey struct{}

func withAgent(r *http.Request, agent domain.Agent) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), agentCtxKey{}, agent))
}

func agentFromContext(r *http.Request) (domain.Agent, bool) {
	a, ok := r.Context().Value(agentCtxKey{}).(domain.Agent)
	return a, ok
}

// requireBearer resolves the Authorization header to an agent or writes a
// classified 401 and returns without calling next.
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, domain.ErrAuthFailed, "missing bearer token")
			return
		}
		agent, ok := s.registry.Authenticate(token)
		if !ok {
			s.metrics.IncAuthFailures()
			if principalID, revoked := s.registry.RevokedPrincipal(token); revoked {
				if _, live := s.sockets.Get(principalID); live || s.streams.CountFor(principalID) > 0 {
					s.metrics.MarkTokenRevocationAttempt()
				}
			}
			writeError(w, http.StatusUnauthorized, domain.ErrAuthFailed, "invalid or expired token")
			return
		}
		next(w, withAgent(r, agent))
	}
}

// rateLimited enforces the per-principal, per-minute cap on top of an
// already-authenticated request.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := agentFromContext(r)
		limit := standardRateLimit
		if agent.TrustLevel == domain.TrustElevated {
			limit = elevatedRateLimit
		}
		limiter := s.limiterFor(agent.PrincipalID, limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))

		reservation := limiter.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			w.Header().Set("X-RateLimit-Remaining", "0")
			retryAfter := int(delay.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      domain.ErrRateLimited,
				"retryAfter": retryAfter,
			})
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		next(w, r)
	}
}

func (s *Server) limiterFor(principalID string, limit int) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[principalID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)
		s.limiters[principalID] = l
	}
	return l
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	agent, _ := agentFromContext(r)
	s.stream.Handle(w, r, agent)
}

type sendMessageRequest struct {
	RoomID         string `json:"roomId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	agent, _ := agentFromContext(r)

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "malformed request body")
		return
	}
	if req.RoomID == "" || req.Content == "" || len(req.Content) > domain.MaxContentLength {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "room and content are required, content must not exceed the size limit")
		return
	}

	if req.IdempotencyKey != "" {
		if cached, ok, err := s.eventLog.Lookup(r.Context(), agent.PrincipalID, req.IdempotencyKey); err == nil && ok {
			writeJSON(w, http.StatusOK, map[string]string{"messageId": cached.MessageID})
			return
		}
	}

	result, err := s.sender.SendAs(r.Context(), agent.BearerToken, req.RoomID, req.Content)
	if err != nil {
		s.respondSendError(w, err)
		return
	}
	if result.MessageID == "" {
		result.MessageID = uuid.NewString()
	}

	if req.IdempotencyKey != "" {
		if err := s.eventLog.StoreResult(r.Context(), agent.PrincipalID, req.IdempotencyKey, eventlog.IdempotencyResult{MessageID: result.MessageID}); err != nil {
			s.logger.Warn("idempotency result store failed", "agent", agent.PrincipalID, "err", err)
		}
	}

	s.metrics.IncMessagesSent()
	writeJSON(w, http.StatusOK, map[string]string{"messageId": result.MessageID})
}

type legacySendRequest struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

func (s *Server) handleLegacySend(w http.ResponseWriter, r *http.Request) {
	agent, _ := agentFromContext(r)

	var req legacySendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "malformed request body")
		return
	}
	if req.Room == "" || req.Content == "" || len(req.Content) > domain.MaxContentLength {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "room and content are required, content must not exceed the size limit")
		return
	}

	result, err := s.sender.SendAs(r.Context(), agent.BearerToken, req.Room, req.Content)
	if err != nil {
		s.respondSendError(w, err)
		return
	}
	if result.MessageID == "" {
		result.MessageID = uuid.NewString()
	}
	s.metrics.IncMessagesSent()
	writeJSON(w, http.StatusOK, map[string]string{"messageId": result.MessageID})
}

func (s *Server) respondSendError(w http.ResponseWriter, err error) {
	if ge, ok := err.(*domain.GatewayError); ok {
		status := http.StatusBadGateway
		switch ge.Code {
		case domain.ErrAuthFailed:
			status = http.StatusUnauthorized
		case domain.ErrSendFailed:
			status = http.StatusBadGateway
		case domain.ErrBridgeDown:
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, ge.Code, ge.Message)
		return
	}
	writeError(w, http.StatusServiceUnavailable, domain.ErrBridgeDown, err.Error())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent, _ := agentFromContext(r)
	_, hasSocket := s.sockets.Get(agent.PrincipalID)
	streamCount := s.streams.CountFor(agent.PrincipalID)

	writeJSON(w, http.StatusOK, map[string]any{
		"principalId":    agent.PrincipalID,
		"username":       agent.Username,
		"connectionType": agent.ConnectionType,
		"socketActive":   hasSocket,
		"streamCount":    streamCount,
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.GetAll()
	connected := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, ok := s.sockets.Get(a.PrincipalID); ok {
			connected = append(connected, a.Username)
		} else if s.streams.CountFor(a.PrincipalID) > 0 {
			connected = append(connected, a.Username)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptimeSeconds":   int64(time.Since(s.startTime).Seconds()),
		"connectedAgents": connected,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	writeJSON(w, status, map[string]string{"error": string(code), "message": message})
}
