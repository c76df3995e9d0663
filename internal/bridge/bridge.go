// Package bridge maintains the gateway's single privileged upstream
// connection to the chat server: one authenticated session used to receive
// every room message and to forward agent sends, room listings, and unread
// history fetches under the sending agent's own credentials.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"triologue-gateway/internal/domain"
)

// State is the bridge's own connection lifecycle, independent of any
// downstream session state machine.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateClosing        State = "closing"
)

const (
	backoffBase     = 2 * time.Second
	backoffCap      = 30 * time.Second
	credentialSkew  = 60 * time.Second
	idleTimeout     = 60 * time.Second
	connectDeadline = 10 * time.Second
)

// OnMessage is the router's inbound callback, registered once via Subscribe.
type OnMessage func(domain.InboundMessage)

// Bridge owns the upstream session. Exactly one instance runs per gateway
// process.
type Bridge struct {
	baseURL  string
	username string
	token    string
	logger   *slog.Logger
	client   *http.Client

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	cred       *domain.SessionCredential
	reconnecting atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	handlerMu sync.RWMutex
	handler   OnMessage

	metrics *Metrics
}

// Metrics is the narrow slice of counters the bridge updates directly; the
// full metrics component wires these into its own registry.
type Metrics struct {
	Disconnects   func()
	AuthFailures  func()
}

// Config configures a new Bridge.
type Config struct {
	BaseURL  string
	Username string
	Token    string
	Logger   *slog.Logger
	Metrics  *Metrics
}

// New constructs a Bridge. Call Run to start the connect/reconnect loop.
func New(cfg Config) *Bridge {
	m := cfg.Metrics
	if m == nil {
		m = &Metrics{Disconnects: func() {}, AuthFailures: func() {}}
	}
	return &Bridge{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		token:    cfg.Token,
		logger:   cfg.Logger,
		client:   sharedHTTPClient(15 * time.Second),
		state:    StateDisconnected,
		metrics:  m,
	}
}

func sharedHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Subscribe registers the router's inbound callback. Only one subscriber is
// supported; the router is the bridge's single consumer.
func (b *Bridge) Subscribe(fn OnMessage) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handler = fn
}

func (b *Bridge) emit(msg domain.InboundMessage) {
	b.handlerMu.RLock()
	fn := b.handler
	b.handlerMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// Run connects and then supervises the connection until ctx is canceled,
// reconnecting with exponential backoff on every disconnect.
func (b *Bridge) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.connectAndServe(ctx); err != nil {
			b.logger.Warn("bridge connection ended", "err", err)
		}
		if ctx.Err() != nil {
			return
		}

		b.metrics.Disconnects()
		backoff := nextBackoff(attempt)
		attempt++
		b.logger.Info("bridge reconnecting", "in", backoff, "attempt", attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// nextBackoff computes exponential backoff with base 2s, cap 30s, plus
// jitter to avoid synchronized reconnect storms across gateway instances.
func nextBackoff(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<minInt(attempt, 5))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int64N(int64(d / 4)))
	return d + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	b.setState(StateAuthenticating)

	cred, err := b.credential(ctx, false)
	if err != nil {
		b.metrics.AuthFailures()
		return fmt.Errorf("authenticate: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	url := wsURL(b.baseURL) + "/bridge/subscribe?token=" + cred.Token
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.touch()
	b.setState(StateConnected)
	b.logger.Info("bridge connected")

	readDone := make(chan error, 1)
	go b.readLoop(conn, readDone)

	idle := time.NewTicker(5 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			b.setState(StateClosing)
			conn.Close()
			return ctx.Err()
		case err := <-readDone:
			b.setState(StateDisconnected)
			b.dropConnection(err)
			return err
		case <-idle.C:
			if b.idleFor() > idleTimeout {
				b.logger.Warn("bridge idle timeout, forcing reconnect")
				conn.Close()
				<-readDone
				b.setState(StateDisconnected)
				return fmt.Errorf("idle timeout")
			}
		}
	}
}

func (b *Bridge) dropConnection(readErr error) {
	if isServerClose(readErr) {
		b.mu.Lock()
		b.cred = nil
		b.mu.Unlock()
	}
}

func isServerClose(err error) bool {
	ce, ok := err.(*websocket.CloseError)
	return ok && (ce.Code == websocket.ClosePolicyViolation || ce.Code == websocket.CloseNormalClosure)
}

func (b *Bridge) readLoop(conn *websocket.Conn, done chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		b.touch()

		var wire wireInbound
		if err := json.Unmarshal(data, &wire); err != nil {
			b.logger.Warn("bridge: malformed upstream frame", "err", err)
			continue
		}
		b.emit(wire.toDomain())
	}
}

func (b *Bridge) touch() { b.lastActivity.Store(time.Now().UnixNano()) }

func (b *Bridge) idleFor() time.Duration {
	last := b.lastActivity.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State reports the bridge's current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// credential returns the cached gateway credential, refreshing if it is
// absent, expired, or within the 60s skew buffer of expiring.
func (b *Bridge) credential(ctx context.Context, force bool) (domain.SessionCredential, error) {
	b.mu.Lock()
	cred := b.cred
	b.mu.Unlock()

	if !force && cred != nil && time.Until(cred.Expiry) > credentialSkew {
		return *cred, nil
	}

	fresh, err := b.authenticate(ctx)
	if err != nil {
		return domain.SessionCredential{}, err
	}
	b.mu.Lock()
	b.cred = &fresh
	b.mu.Unlock()
	return fresh, nil
}

func (b *Bridge) authenticate(ctx context.Context) (domain.SessionCredential, error) {
	body, _ := json.Marshal(map[string]string{
		"username": b.username,
		"token":    b.token,
		"kind":     "gateway",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/bridge/authenticate", jsonReader(body))
	if err != nil {
		return domain.SessionCredential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return domain.SessionCredential{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg := readLimited(resp.Body)
		return domain.SessionCredential{}, fmt.Errorf("upstream auth returned %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Token  string `json:"token"`
		Expiry int64  `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.SessionCredential{}, err
	}
	return domain.SessionCredential{Token: out.Token, Expiry: time.Unix(out.Expiry, 0)}, nil
}

// SendAs forwards content to roomID under the given agent's bearer token,
// not the gateway's own credentials.
func (b *Bridge) SendAs(ctx context.Context, agentToken, roomID, content string) (domain.SendResult, error) {
	if b.State() != StateConnected {
		return domain.SendResult{}, domain.NewError(domain.ErrBridgeDown, "upstream bridge session is not connected")
	}

	body, _ := json.Marshal(map[string]string{"roomId": roomID, "content": content})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/agents/send", jsonReader(body))
	if err != nil {
		return domain.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+agentToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return domain.SendResult{}, domain.NewError(domain.ErrSendFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.SendResult{}, domain.NewError(domain.ErrAuthFailed, "agent token rejected upstream")
	}
	if resp.StatusCode != http.StatusOK {
		msg := readLimited(resp.Body)
		return domain.SendResult{}, domain.NewError(domain.ErrSendFailed, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, msg))
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{MessageID: out.MessageID}, nil
}

// RoomsFor enumerates rooms visible to an agent.
func (b *Bridge) RoomsFor(ctx context.Context, agentToken, username string) ([]domain.Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/agents/rooms?username="+username, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+agentToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roomsFor returned %d", resp.StatusCode)
	}

	var rooms []domain.Room
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// FetchSince fetches unread history used for context materialization.
func (b *Bridge) FetchSince(ctx context.Context, agentToken, roomID string, afterMessageID string, limit int) ([]domain.InboundMessage, error) {
	url := fmt.Sprintf("%s/agents/rooms/%s/messages?after=%s&limit=%d", b.baseURL, roomID, afterMessageID, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+agentToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetchSince returned %d", resp.StatusCode)
	}

	var wire []wireInbound
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	out := make([]domain.InboundMessage, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toDomain())
	}
	return out, nil
}

// wireInbound is the upstream's on-the-wire inbound message shape.
type wireInbound struct {
	ID         string `json:"id"`
	Room       string `json:"room"`
	RoomName   string `json:"roomName"`
	Sender     string `json:"sender"`
	SenderID   string `json:"senderId"`
	SenderType string `json:"senderType"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

func (w wireInbound) toDomain() domain.InboundMessage {
	kind := domain.SenderHuman
	if w.SenderType == "ai" {
		kind = domain.SenderAI
	}
	return domain.InboundMessage{
		ID:             w.ID,
		RoomID:         w.Room,
		RoomName:       w.RoomName,
		SenderUsername: w.Sender,
		SenderID:       w.SenderID,
		SenderKind:     kind,
		Content:        w.Content,
		Timestamp:      time.Unix(w.Timestamp, 0),
	}
}

func wsURL(base string) string {
	if len(base) >= 5 && base[:5] == "https" {
		return "wss" + base[5:]
	}
	if len(base) >= 4 && base[:4] == "http" {
		return "ws" + base[4:]
	}
	return base
}

func jsonReader(b []byte) io.Reader { return bytes.NewReader(b) }

func readLimited(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return string(b)
}
