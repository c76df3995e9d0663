// Package registry loads and indexes the authoritative agent roster,
// preferring the upstream configuration endpoint and falling back to a
// local bootstrap file only when the endpoint is unreachable at startup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"triologue-gateway/internal/config"
	"triologue-gateway/internal/domain"
)

// snapshot is swapped atomically on every successful refresh so that
// concurrent readers never observe a partially rebuilt index.
type snapshot struct {
	byToken    map[string]domain.Agent
	byUsername map[string]domain.Agent
	all        []domain.Agent
}

// Registry indexes agents by bearer token for O(1) auth lookup and
// refreshes the roster on an interval.
type Registry struct {
	httpClient *http.Client
	baseURL    string
	configPath string
	gatewayTok string
	bootPath   string
	interval   time.Duration
	logger     *slog.Logger

	current atomic.Pointer[snapshot]
	revoked sync.Map // token -> principal id, retained from the last refresh that dropped it

	mu                  sync.Mutex
	consecutiveFailures int
	refreshFailures     *atomicCounter
}

type atomicCounter struct{ v atomic.Int64 }

func (c *atomicCounter) Inc() { c.v.Add(1) }
func (c *atomicCounter) Value() int64 { return c.v.Load() }

// New constructs a Registry. It does not perform the initial load — call
// Bootstrap for that, so startup failure can be handled by the caller.
func New(cfg *config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		httpClient: sharedHTTPClient(10 * time.Second),
		baseURL:    cfg.UpstreamBaseURL,
		configPath: cfg.UpstreamConfigPath,
		gatewayTok: cfg.GatewayToken,
		bootPath:   cfg.AgentConfigPath,
		interval:   time.Duration(cfg.RegistryRefresh) * time.Second,
		logger:     logger,
		refreshFailures: &atomicCounter{},
	}
}

// sharedHTTPClient returns a client with the given timeout on Go's default
// transport, whose idle-connection pool is shared process-wide. Unlike the
// bridge's client it sets no custom pool sizes or dial/TLS timeouts.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Bootstrap performs the first load. If both the upstream endpoint and the
// local file are unavailable, it returns an error — startup must fail fast.
func (r *Registry) Bootstrap(ctx context.Context) error {
	agents, upstreamErr := r.fetchFromUpstream(ctx)
	if upstreamErr != nil {
		r.logger.Warn("registry bootstrap: upstream endpoint unavailable, trying local file", "err", upstreamErr)
		var fileErr error
		agents, fileErr = r.fetchFromFile()
		if fileErr != nil {
			return fmt.Errorf("no agent source available: upstream failed (%v) and local file failed (%w)", upstreamErr, fileErr)
		}
	}
	r.install(agents)
	return nil
}

// Run blocks, refreshing the roster every interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Registry) refresh(ctx context.Context) {
	agents, err := r.fetchFromUpstream(ctx)
	if err != nil {
		r.mu.Lock()
		r.consecutiveFailures++
		n := r.consecutiveFailures
		r.mu.Unlock()
		r.refreshFailures.Inc()
		r.logger.Warn("registry refresh failed, serving last-known snapshot", "err", err, "consecutive_failures", n)
		return
	}
	r.mu.Lock()
	r.consecutiveFailures = 0
	r.mu.Unlock()
	r.install(agents)
}

// RefreshFailures exposes the refresh-failure counter for metrics wiring.
func (r *Registry) RefreshFailures() int64 { return r.refreshFailures.Value() }

func (r *Registry) install(agents []domain.Agent) {
	snap := &snapshot{
		byToken:    make(map[string]domain.Agent, len(agents)),
		byUsername: make(map[string]domain.Agent, len(agents)),
		all:        agents,
	}
	for _, a := range agents {
		if a.BearerToken != "" {
			snap.byToken[a.BearerToken] = a
		}
		if a.Username != "" {
			snap.byUsername[a.Username] = a
		}
	}

	if prior := r.current.Load(); prior != nil {
		for token, a := range prior.byToken {
			if _, stillValid := snap.byToken[token]; !stillValid {
				r.revoked.Store(token, a.PrincipalID)
			}
		}
	}

	r.current.Store(snap)
}

// RevokedPrincipal reports the principal id a token used to belong to, if
// that token was in an earlier snapshot and a later refresh dropped it.
// Dropped tokens are kept for the life of the process. Callers use
// this to detect a token-revocation-attempt-while-connected: a request
// arriving with a token that belonged to a still-live session.
func (r *Registry) RevokedPrincipal(token string) (string, bool) {
	v, ok := r.revoked.Load(token)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (r *Registry) fetchFromUpstream(ctx context.Context) ([]domain.Agent, error) {
	url := r.baseURL + r.configPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.gatewayTok)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent config endpoint returned %d: %s", resp.StatusCode, body)
	}

	var wire struct {
		Agents []wireAgent `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	agents := make([]domain.Agent, 0, len(wire.Agents))
	for _, w := range wire.Agents {
		agents = append(agents, w.toDomain())
	}
	return agents, nil
}

func (r *Registry) fetchFromFile() ([]domain.Agent, error) {
	boot, err := config.LoadAgentBootstrap(r.bootPath)
	if err != nil {
		return nil, err
	}
	agents := make([]domain.Agent, 0, len(boot.Agents))
	for _, e := range boot.Agents {
		agents = append(agents, domain.Agent{
			PrincipalID:    e.PrincipalID,
			Username:       e.Username,
			DisplayName:    e.DisplayName,
			Emoji:          e.Emoji,
			MentionKey:     e.MentionKey,
			TrustLevel:     domain.TrustLevel(e.TrustLevel),
			ReceiveMode:    domain.ReceiveMode(e.ReceiveMode),
			ConnectionType: domain.ConnectionType(e.ConnectionType),
			DeliveryMode:   domain.DeliveryMode(e.DeliveryMode),
			WebhookURL:     e.WebhookURL,
			WebhookSecret:  e.WebhookSecret,
			Status:         domain.Status(e.Status),
			BearerToken:    e.BearerToken,
		})
	}
	return agents, nil
}

// wireAgent is the upstream configuration endpoint's JSON shape.
type wireAgent struct {
	PrincipalID    string `json:"principalId"`
	Username       string `json:"username"`
	DisplayName    string `json:"displayName"`
	Emoji          string `json:"emoji"`
	MentionKey     string `json:"mentionKey"`
	TrustLevel     string `json:"trustLevel"`
	ReceiveMode    string `json:"receiveMode"`
	ConnectionType string `json:"connectionType"`
	DeliveryMode   string `json:"deliveryMode"`
	WebhookURL     string `json:"webhookUrl,omitempty"`
	WebhookSecret  string `json:"webhookSecret,omitempty"`
	Status         string `json:"status"`
	BearerToken    string `json:"bearerToken"`
}

func (w wireAgent) toDomain() domain.Agent {
	return domain.Agent{
		PrincipalID:    w.PrincipalID,
		Username:       w.Username,
		DisplayName:    w.DisplayName,
		Emoji:          w.Emoji,
		MentionKey:     w.MentionKey,
		TrustLevel:     domain.TrustLevel(w.TrustLevel),
		ReceiveMode:    domain.ReceiveMode(w.ReceiveMode),
		ConnectionType: domain.ConnectionType(w.ConnectionType),
		DeliveryMode:   domain.DeliveryMode(w.DeliveryMode),
		WebhookURL:     w.WebhookURL,
		WebhookSecret:  w.WebhookSecret,
		Status:         domain.Status(w.Status),
		BearerToken:    w.BearerToken,
	}
}

// Authenticate looks up the agent for a bearer token. Callers must not
// cache the result past the current request: token validity can change
// between calls, and this lookup is the only place that freshness is
// guaranteed.
func (r *Registry) Authenticate(bearer string) (domain.Agent, bool) {
	snap := r.current.Load()
	if snap == nil {
		return domain.Agent{}, false
	}
	a, ok := snap.byToken[bearer]
	return a, ok
}

// GetByUsername returns the current snapshot's agent for a username.
func (r *Registry) GetByUsername(username string) (domain.Agent, bool) {
	snap := r.current.Load()
	if snap == nil {
		return domain.Agent{}, false
	}
	a, ok := snap.byUsername[username]
	return a, ok
}

// GetAll returns a consistent snapshot of every known agent.
func (r *Registry) GetAll() []domain.Agent {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	out := make([]domain.Agent, len(snap.all))
	copy(out, snap.all)
	return out
}

// GetWebhookAgents returns every agent configured for webhook delivery.
func (r *Registry) GetWebhookAgents() []domain.Agent {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	var out []domain.Agent
	for _, a := range snap.all {
		if a.DeliveryMode == domain.DeliveryWebhook || a.WebhookURL != "" {
			out = append(out, a)
		}
	}
	return out
}
