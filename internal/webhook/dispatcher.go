// Package webhook dispatches outbound HTTP POSTs to agents configured for
// webhook delivery, with bounded retry and backoff. Dispatch is
// fire-and-forget from the router's perspective: it must never block
// upstream message processing.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"triologue-gateway/internal/domain"
)

const (
	attemptTimeout = 10 * time.Second
	maxRetries     = 3
)

var backoffSchedule = [maxRetries]time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Metrics is the narrow set of counters the dispatcher updates directly.
type Metrics struct {
	MessagesSent   func()
	MessagesLost   func(agentID, roomID string)
	MessageRetries func()
}

// Dispatcher POSTs outbound payloads to agent webhook URLs.
type Dispatcher struct {
	client  *http.Client
	logger  *slog.Logger
	metrics Metrics
}

func New(logger *slog.Logger, metrics Metrics) *Dispatcher {
	return &Dispatcher{
		client:  &http.Client{Timeout: attemptTimeout},
		logger:  logger,
		metrics: metrics,
	}
}

// Payload is the body POSTed to the agent's webhook URL.
type Payload struct {
	MessageID  string            `json:"messageId"`
	Sender     string            `json:"sender"`
	SenderType domain.SenderKind `json:"senderType"`
	Content    string            `json:"content"`
	Room       string            `json:"room"`
	Timestamp  time.Time         `json:"timestamp"`
	Context    []ContextEntry    `json:"context,omitempty"`
}

// ContextEntry is one prior unread message included in the "queued
// messages" prefix for a mention delivery.
type ContextEntry struct {
	Sender     string            `json:"sender"`
	SenderType domain.SenderKind `json:"senderType"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FromDomainContext converts router-level context entries to their wire
// form for inclusion in a Payload.
func FromDomainContext(entries []domain.ContextEntry) []ContextEntry {
	out := make([]ContextEntry, 0, len(entries))
	for _, c := range entries {
		out = append(out, ContextEntry{Sender: c.Sender, SenderType: c.SenderKind, Content: c.Content, Timestamp: c.Timestamp})
	}
	return out
}

// Dispatch sends payload to the agent's webhook URL with bounded retry.
// Intended to be launched in its own goroutine by the router; it never
// blocks the caller beyond that goroutine's own lifetime.
func (d *Dispatcher) Dispatch(ctx context.Context, target domain.Agent, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "agent", target.PrincipalID, "err", err)
		return
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			d.metrics.MessageRetries()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffSchedule[attempt-1]):
			}
		}

		ok, retryable := d.attempt(ctx, target, body)
		if ok {
			d.metrics.MessagesSent()
			return
		}
		if !retryable {
			d.logger.Warn("webhook dispatch terminal failure", "agent", target.PrincipalID, "room", payload.Room)
			return
		}
	}

	d.logger.Warn("webhook dispatch exhausted retries", "agent", target.PrincipalID, "room", payload.Room)
	d.metrics.MessagesLost(target.PrincipalID, payload.Room)
}

// attempt performs one HTTP POST. It returns (true, _) on 2xx, (false,
// false) on a terminal 4xx, and (false, true) on a 5xx or network error
// that should be retried.
func (d *Dispatcher) attempt(ctx context.Context, target domain.Agent, body []byte) (ok bool, retryable bool) {
	reqCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("webhook request build failed", "agent", target.PrincipalID, "err", err)
		return false, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Secret", target.WebhookSecret)
	req.Header.Set("X-Gateway-Agent", target.MentionKey)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook request failed", "agent", target.PrincipalID, "err", err)
		return false, true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, false
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, false
	case resp.StatusCode >= 500:
		return false, true
	default:
		return false, false
	}
}
