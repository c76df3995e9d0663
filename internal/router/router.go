// Package router implements the per-inbound-message filter and fanout
// pipeline: sender suppression, mention detection, trust and loop-guard
// policy, transport-precedence selection, cross-transport dedup, and
// unread-context materialization on mention.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"triologue-gateway/internal/domain"
	"triologue-gateway/internal/eventlog"
	"triologue-gateway/internal/loopguard"
	"triologue-gateway/internal/readtracker"
	"triologue-gateway/internal/webhook"
)

const contextLimit = 50

// SocketSessions is the subset of socket.Manager the router consults.
type SocketSessions interface {
	Get(principalID string) (SocketDeliverable, bool)
}

// SocketDeliverable is the capability a socket session exposes to the router.
type SocketDeliverable interface {
	Deliver(msg domain.InboundMessage, ctx []domain.ContextEntry) error
}

// StreamSessions is the subset of stream.Manager the router consults.
type StreamSessions interface {
	StreamsFor(principalID string) []StreamDeliverable
}

// StreamDeliverable is the capability a stream session exposes to the router.
type StreamDeliverable interface {
	Write(eventID int64, payload []byte)
}

// Registry is the subset of registry.Registry the router consults.
type Registry interface {
	GetAll() []domain.Agent
}

// UpstreamFetcher is the bridge capability used for context materialization.
type UpstreamFetcher interface {
	FetchSince(ctx context.Context, agentToken, roomID, afterMessageID string, limit int) ([]domain.InboundMessage, error)
}

// WebhookDispatcher dispatches outbound webhook POSTs.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, target domain.Agent, payload webhook.Payload)
}

// LocalInjectSink is the fire-and-forget local side-channel sink.
type LocalInjectSink func(agent domain.Agent, msg domain.InboundMessage, ctxEntries []domain.ContextEntry)

// Metrics is the narrow slice of counters the router updates directly.
type Metrics struct {
	MessagesDropped func()
}

// Router is the single consumer of the bridge's inbound callback.
type Router struct {
	registry    Registry
	sockets     SocketSessions
	streams     StreamSessions
	eventLog    *eventlog.Store
	readTracker *readtracker.Tracker
	guard       *loopguard.Guard
	bridge      UpstreamFetcher
	webhook     WebhookDispatcher
	localInject LocalInjectSink
	logger      *slog.Logger
	metrics     Metrics

	mu sync.Mutex // serializes inbound processing to preserve upstream order
}

// Config wires the router's dependencies.
type Config struct {
	Registry    Registry
	Sockets     SocketSessions
	Streams     StreamSessions
	EventLog    *eventlog.Store
	ReadTracker *readtracker.Tracker
	Guard       *loopguard.Guard
	Bridge      UpstreamFetcher
	Webhook     WebhookDispatcher
	LocalInject LocalInjectSink
	Logger      *slog.Logger
	Metrics     Metrics
}

func New(cfg Config) *Router {
	return &Router{
		registry:    cfg.Registry,
		sockets:     cfg.Sockets,
		streams:     cfg.Streams,
		eventLog:    cfg.EventLog,
		readTracker: cfg.ReadTracker,
		guard:       cfg.Guard,
		bridge:      cfg.Bridge,
		webhook:     cfg.Webhook,
		localInject: cfg.LocalInject,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// HandleInbound processes one upstream message. It is the bridge's
// registered OnMessage callback: calls are serialized by the bridge
// delivering them one at a time, and HandleInbound itself also takes a
// lock so a caller cannot violate that ordering by fanning calls out
// concurrently.
func (r *Router) HandleInbound(msg domain.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contentLower := strings.ToLower(msg.Content)
	candidates := r.registry.GetAll()

	for _, candidate := range candidates {
		if r.skipSender(candidate, msg) {
			continue
		}

		mentioned := candidate.Mentions(contentLower)
		if candidate.ReceiveMode == domain.ReceiveMentions && !mentioned {
			continue
		}

		if mentioned {
			// A mention bypasses the gate, but the exchange still has to
			// register in pair state or a same-pair non-mention reply right
			// after would sail through the cooldown unblocked.
			r.guard.Record(msg.SenderID, msg.SenderKind, candidate)
		} else if !r.passesLoopGuard(candidate, msg) {
			continue
		}

		r.deliver(candidate, msg, mentioned)
	}
}

func (r *Router) skipSender(candidate domain.Agent, msg domain.InboundMessage) bool {
	return candidate.Username == msg.SenderUsername || candidate.PrincipalID == msg.SenderID
}

func (r *Router) passesLoopGuard(candidate domain.Agent, msg domain.InboundMessage) bool {
	return r.guard.Allow(msg.SenderID, msg.SenderKind, candidate)
}

// deliver applies the transport-precedence rule and dispatches exactly one
// transport per candidate for this message.
func (r *Router) deliver(candidate domain.Agent, msg domain.InboundMessage, mentioned bool) {
	if sock, ok := r.sockets.Get(candidate.PrincipalID); ok && candidate.DeliveryMode != domain.DeliveryLocalInject {
		if mentioned {
			r.advanceCursor(candidate, msg)
		}
		if err := sock.Deliver(msg, nil); err != nil {
			r.logger.Warn("socket delivery failed", "agent", candidate.PrincipalID, "err", err)
		}
		return
	}

	if live := r.streams.StreamsFor(candidate.PrincipalID); len(live) > 0 {
		if mentioned {
			r.advanceCursor(candidate, msg)
		}
		payload := mustMarshal(webhook.Payload{
			MessageID:  msg.ID,
			Sender:     msg.SenderUsername,
			SenderType: msg.SenderKind,
			Content:    msg.Content,
			Room:       msg.RoomID,
			Timestamp:  msg.Timestamp,
		})
		eventID, err := r.eventLog.Append(context.Background(), msg.RoomID, payload)
		if err != nil {
			r.logger.Error("event log append failed", "err", err)
			return
		}
		for _, s := range live {
			s.Write(eventID, payload)
		}
		return
	}

	if candidate.DeliveryMode == domain.DeliveryLocalInject {
		afterID := r.prepareContextFetch(candidate, msg, mentioned)
		go func() {
			ctxEntries := r.fetchContext(candidate, msg, mentioned, afterID)
			r.localInject(candidate, msg, ctxEntries)
		}()
		return
	}

	if mentioned && candidate.WebhookURL != "" {
		afterID := r.prepareContextFetch(candidate, msg, mentioned)
		go func() {
			ctxEntries := r.fetchContext(candidate, msg, mentioned, afterID)
			r.dispatchWebhook(candidate, msg, ctxEntries)
		}()
		return
	}

	r.metrics.MessagesDropped()
}

// dispatchWebhook builds the outbound payload and hands it to the
// dispatcher. The caller already runs this off HandleInbound's goroutine,
// so the dispatcher's own retry loop never blocks inbound processing.
func (r *Router) dispatchWebhook(candidate domain.Agent, msg domain.InboundMessage, ctxEntries []domain.ContextEntry) {
	payload := webhook.Payload{
		MessageID:  msg.ID,
		Sender:     msg.SenderUsername,
		SenderType: msg.SenderKind,
		Content:    msg.Content,
		Room:       msg.RoomID,
		Timestamp:  msg.Timestamp,
		Context:    webhook.FromDomainContext(ctxEntries),
	}
	r.webhook.Dispatch(context.Background(), candidate, payload)
}

// prepareContextFetch snapshots the candidate's read cursor before
// advancing it to this message, and returns the pre-advance value so a
// later async fetchContext call can still ask "everything since where this
// agent last read." It runs synchronously, under HandleInbound's lock,
// because the tracker read and the cursor advance (a map update plus a
// rewrite of the small cursor file) are local and short; the bridge fetch
// that actually needs that value is a network call and does not run here.
func (r *Router) prepareContextFetch(candidate domain.Agent, msg domain.InboundMessage, mentioned bool) string {
	if !mentioned {
		return ""
	}
	afterID := r.readTracker.Get(candidate.PrincipalID, msg.RoomID).LastSeenMessageID
	r.advanceCursor(candidate, msg)
	return afterID
}

// fetchContext performs the blocking upstream backlog fetch for a mention
// and formats it as the "queued messages" prefix. Callers run it off
// HandleInbound's goroutine, via prepareContextFetch's snapshotted cursor,
// so a slow or hanging bridge call never stalls upstream message
// processing.
func (r *Router) fetchContext(candidate domain.Agent, msg domain.InboundMessage, mentioned bool, afterID string) []domain.ContextEntry {
	if !mentioned {
		return nil
	}

	history, err := r.bridge.FetchSince(context.Background(), candidate.BearerToken, msg.RoomID, afterID, contextLimit)
	if err != nil {
		r.logger.Warn("context materialization fetch failed", "agent", candidate.PrincipalID, "err", err)
	}

	entries := make([]domain.ContextEntry, 0, len(history))
	for _, h := range history {
		if h.ID == msg.ID {
			continue
		}
		entries = append(entries, domain.ContextEntry{
			Sender:     h.SenderUsername,
			SenderKind: h.SenderKind,
			Content:    h.Content,
			Timestamp:  h.Timestamp,
		})
	}
	return entries
}

func (r *Router) advanceCursor(candidate domain.Agent, msg domain.InboundMessage) {
	if err := r.readTracker.Advance(candidate.PrincipalID, msg.RoomID, msg.ID); err != nil {
		r.logger.Warn("read tracker advance failed", "agent", candidate.PrincipalID, "err", err)
	}
}

func mustMarshal(p webhook.Payload) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte("{}")
	}
	return b
}
