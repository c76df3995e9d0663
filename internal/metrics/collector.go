// Package metrics aggregates gateway counters and gauges and exposes them
// both as a Prometheus-style text report and a structured JSON snapshot,
// with the snapshot additionally persisted to an append-only JSON-lines
// file every 60s and on shutdown.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters and gauges and periodically snapshots them
// to disk.
type Collector struct {
	counters sync.Map // name -> *atomic.Int64
	gauges   sync.Map // name -> *atomic.Int64

	byTransport sync.Map // transport name -> *atomic.Int64

	revoked atomic.Bool

	logPath   string
	startTime time.Time
}

func New(logPath string) *Collector {
	return &Collector{logPath: logPath, startTime: time.Now()}
}

func (c *Collector) counter(name string) *atomic.Int64 {
	v, _ := c.counters.LoadOrStore(name, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *Collector) gauge(name string) *atomic.Int64 {
	v, _ := c.gauges.LoadOrStore(name, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *Collector) IncActiveConnections()    { c.gauge("active_connections").Add(1) }
func (c *Collector) DecActiveConnections()    { c.gauge("active_connections").Add(-1) }
func (c *Collector) IncTotalConnections()     { c.counter("total_connections").Add(1) }
func (c *Collector) IncDisconnects()          { c.counter("disconnects").Add(1) }
func (c *Collector) IncAuthFailures()         { c.counter("auth_failures").Add(1) }
func (c *Collector) IncMessagesSent()         { c.counter("messages_sent").Add(1) }
func (c *Collector) IncMessageRetries()       { c.counter("message_retries").Add(1) }
func (c *Collector) IncRefreshFailures()      { c.counter("registry_refresh_failures").Add(1) }

// IncMessagesLost records one lost message. The room/agent dimension isn't
// broken out in the snapshot; callers that need per-agent visibility should
// also log the event.
func (c *Collector) IncMessagesLost(agentID, roomID string) { c.counter("messages_lost").Add(1) }

// IncMessagesDropped records a candidate that matched no deliverable
// transport (no live session, not mentioned, or no webhook configured).
// Reported as messagesDropped in the JSON snapshot, not in the text report;
// useful local telemetry for diagnosing under-delivery.
func (c *Collector) IncMessagesDropped() { c.counter("messages_dropped").Add(1) }

// MarkTokenRevocationAttempt raises the flag that a still-connected
// principal's token was rejected by a fresh auth check.
func (c *Collector) MarkTokenRevocationAttempt() { c.revoked.Store(true) }

// SetAgentsByTransport records the current count of agents reachable by
// each downstream transport kind, replacing any prior value for that kind.
func (c *Collector) SetAgentsByTransport(transport string, count int64) {
	v, _ := c.byTransport.LoadOrStore(transport, new(atomic.Int64))
	v.(*atomic.Int64).Store(count)
}

// Snapshot is the structured form exposed at /metrics/json and persisted to
// the JSON-lines log.
type Snapshot struct {
	Time                     time.Time        `json:"time"`
	UptimeSeconds            int64            `json:"uptimeSeconds"`
	ActiveConnections        int64            `json:"activeConnections"`
	TotalConnections         int64            `json:"totalConnections"`
	Disconnects              int64            `json:"disconnects"`
	AuthFailures             int64            `json:"authFailures"`
	TokenRevocationAttempted bool             `json:"tokenRevocationAttempted"`
	MessagesSent             int64            `json:"messagesSent"`
	MessagesLost             int64            `json:"messagesLost"`
	MessagesDropped          int64            `json:"messagesDropped"`
	MessageRetries           int64            `json:"messageRetries"`
	RegistryRefreshFailures  int64            `json:"registryRefreshFailures"`
	AgentsByTransport        map[string]int64 `json:"agentsByTransport"`
}

func (c *Collector) Snapshot() Snapshot {
	byTransport := make(map[string]int64)
	c.byTransport.Range(func(k, v any) bool {
		byTransport[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return Snapshot{
		Time:                     time.Now().UTC(),
		UptimeSeconds:            int64(time.Since(c.startTime).Seconds()),
		ActiveConnections:        c.gauge("active_connections").Load(),
		TotalConnections:         c.counter("total_connections").Load(),
		Disconnects:              c.counter("disconnects").Load(),
		AuthFailures:             c.counter("auth_failures").Load(),
		TokenRevocationAttempted: c.revoked.Load(),
		MessagesSent:             c.counter("messages_sent").Load(),
		MessagesLost:             c.counter("messages_lost").Load(),
		MessagesDropped:          c.counter("messages_dropped").Load(),
		MessageRetries:           c.counter("message_retries").Load(),
		RegistryRefreshFailures:  c.counter("registry_refresh_failures").Load(),
		AgentsByTransport:        byTransport,
	}
}

// JSONHandler serves the structured snapshot.
func (c *Collector) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Snapshot())
	}
}

// ReportHandler serves a human-readable text report, in the Prometheus
// exposition style the rest of this corpus uses for /metrics endpoints.
func (c *Collector) ReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s := c.Snapshot()

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP gateway_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE gateway_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "gateway_uptime_seconds %d\n\n", s.UptimeSeconds)

		fmt.Fprintf(&sb, "# HELP gateway_active_connections Currently live downstream sessions\n")
		fmt.Fprintf(&sb, "# TYPE gateway_active_connections gauge\n")
		fmt.Fprintf(&sb, "gateway_active_connections %d\n\n", s.ActiveConnections)

		fmt.Fprintf(&sb, "# HELP gateway_total_connections Total downstream sessions opened\n")
		fmt.Fprintf(&sb, "# TYPE gateway_total_connections counter\n")
		fmt.Fprintf(&sb, "gateway_total_connections %d\n\n", s.TotalConnections)

		fmt.Fprintf(&sb, "# HELP gateway_disconnects Total disconnects of downstream sessions and of the upstream bridge\n")
		fmt.Fprintf(&sb, "# TYPE gateway_disconnects counter\n")
		fmt.Fprintf(&sb, "gateway_disconnects %d\n\n", s.Disconnects)

		fmt.Fprintf(&sb, "# HELP gateway_auth_failures Total authentication failures\n")
		fmt.Fprintf(&sb, "# TYPE gateway_auth_failures counter\n")
		fmt.Fprintf(&sb, "gateway_auth_failures %d\n\n", s.AuthFailures)

		fmt.Fprintf(&sb, "# HELP gateway_token_revocation_attempted 1 if a revoked-but-still-connected token was rejected since start\n")
		fmt.Fprintf(&sb, "# TYPE gateway_token_revocation_attempted gauge\n")
		fmt.Fprintf(&sb, "gateway_token_revocation_attempted %d\n\n", boolToInt(s.TokenRevocationAttempted))

		fmt.Fprintf(&sb, "# HELP gateway_messages_sent Total successful webhook deliveries and HTTP agent sends\n")
		fmt.Fprintf(&sb, "# TYPE gateway_messages_sent counter\n")
		fmt.Fprintf(&sb, "gateway_messages_sent %d\n\n", s.MessagesSent)

		fmt.Fprintf(&sb, "# HELP gateway_messages_lost Total messages that exhausted delivery retries\n")
		fmt.Fprintf(&sb, "# TYPE gateway_messages_lost counter\n")
		fmt.Fprintf(&sb, "gateway_messages_lost %d\n\n", s.MessagesLost)

		fmt.Fprintf(&sb, "# HELP gateway_message_retries Total delivery retry attempts\n")
		fmt.Fprintf(&sb, "# TYPE gateway_message_retries counter\n")
		fmt.Fprintf(&sb, "gateway_message_retries %d\n\n", s.MessageRetries)

		fmt.Fprintf(&sb, "# HELP gateway_registry_refresh_failures Total failed agent-registry refresh attempts\n")
		fmt.Fprintf(&sb, "# TYPE gateway_registry_refresh_failures counter\n")
		fmt.Fprintf(&sb, "gateway_registry_refresh_failures %d\n\n", s.RegistryRefreshFailures)

		fmt.Fprintf(&sb, "# HELP gateway_agents_by_transport Count of agents reachable per downstream transport\n")
		fmt.Fprintf(&sb, "# TYPE gateway_agents_by_transport gauge\n")
		for transport, count := range s.AgentsByTransport {
			fmt.Fprintf(&sb, "gateway_agents_by_transport{transport=%q} %d\n", transport, count)
		}

		fmt.Fprint(w, sb.String())
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Run flushes a snapshot to the JSON-lines log every 60s until stop is
// closed, then flushes once more on the way out.
func (c *Collector) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-stop:
			c.flush()
			return
		}
	}
}

// Flush appends one snapshot line. Exported so shutdown can call it directly
// outside of Run's select loop.
func (c *Collector) Flush() { c.flush() }

func (c *Collector) flush() {
	if c.logPath == "" {
		return
	}
	dir := filepath.Dir(c.logPath)
	if dir != "" && dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(c.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(c.Snapshot())
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}
