package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triologue-gateway/internal/bridge"
	"triologue-gateway/internal/config"
	"triologue-gateway/internal/domain"
	"triologue-gateway/internal/eventlog"
	"triologue-gateway/internal/httpapi"
	"triologue-gateway/internal/loopguard"
	"triologue-gateway/internal/metrics"
	"triologue-gateway/internal/readtracker"
	"triologue-gateway/internal/registry"
	"triologue-gateway/internal/router"
	"triologue-gateway/internal/session/socket"
	"triologue-gateway/internal/session/stream"
	"triologue-gateway/internal/webhook"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New(cfg.MetricsLogPath)

	reg := registry.New(cfg, logger)
	if err := reg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("registry bootstrap: %w", err)
	}

	evLog, err := eventlog.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer evLog.Close()

	tracker, err := readtracker.Load(cfg.ReadTrackerPath)
	if err != nil {
		return fmt.Errorf("load read tracker: %w", err)
	}

	guard := loopguard.New()

	br := bridge.New(bridge.Config{
		BaseURL:  cfg.UpstreamBaseURL,
		Username: cfg.GatewayUsername,
		Token:    cfg.GatewayToken,
		Logger:   logger,
		Metrics: &bridge.Metrics{
			Disconnects:  met.IncDisconnects,
			AuthFailures: met.IncAuthFailures,
		},
	})

	inboundHandler := func(ctx context.Context, agent domain.Agent, msg domain.OutboundMessage) (domain.SendResult, error) {
		return br.SendAs(ctx, agent.BearerToken, msg.RoomID, msg.Content)
	}
	sockets := socket.NewManager(reg, br, inboundHandler, logger, socket.Metrics{
		Connected: func() {
			met.IncTotalConnections()
			met.IncActiveConnections()
		},
		Disconnected: func() {
			met.DecActiveConnections()
			met.IncDisconnects()
		},
		AuthFailed: met.IncAuthFailures,
	})

	streams := stream.NewManager(evLog, stream.Metrics{
		Connected: func() {
			met.IncTotalConnections()
			met.IncActiveConnections()
		},
		Disconnected: func() {
			met.DecActiveConnections()
			met.IncDisconnects()
		},
	})

	wh := webhook.New(logger, webhook.Metrics{
		MessagesSent:   met.IncMessagesSent,
		MessagesLost:   met.IncMessagesLost,
		MessageRetries: met.IncMessageRetries,
	})

	rtr := router.New(router.Config{
		Registry:    reg,
		Sockets:     socketSessionsAdapter{sockets},
		Streams:     streamSessionsAdapter{streams},
		EventLog:    evLog,
		ReadTracker: tracker,
		Guard:       guard,
		Bridge:      br,
		Webhook:     wh,
		LocalInject: func(agent domain.Agent, msg domain.InboundMessage, ctxEntries []domain.ContextEntry) {
			logger.Info("local-inject delivery", "agent", agent.PrincipalID, "room", msg.RoomID)
		},
		Logger:  logger,
		Metrics: router.Metrics{MessagesDropped: met.IncMessagesDropped},
	})
	br.Subscribe(rtr.HandleInbound)

	api := httpapi.New(httpapi.Config{
		Registry: reg,
		Sockets:  sockets,
		Streams:  streams,
		Stream:   streams,
		EventLog: evLog,
		Sender:   br,
		Metrics:  met,
		Logger:   logger,
	})

	mux := api.Mux(sockets.HandleUpgrade)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	var wg goGroup
	wg.Go(func() { reg.Run(ctx) })
	wg.Go(func() { br.Run(ctx) })
	wg.Go(func() { met.Run(ctx.Done()) })
	wg.Go(func() { sweepLoop(ctx, evLog, guard) })
	wg.Go(func() { transportMetricsLoop(ctx, reg, sockets, streams, met) })

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}

	sockets.CloseAll()
	streams.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	met.Flush()

	stop()
	wg.Wait()
	return nil
}

// sweepLoop periodically clears stale event-log rows, idempotency entries,
// and loop-guard pair state so none of them grow without bound.
func sweepLoop(ctx context.Context, evLog *eventlog.Store, guard *loopguard.Guard) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evLog.Sweep(ctx)
			evLog.SweepIdempotency(ctx)
			guard.Sweep()
		}
	}
}

// transportMetricsLoop periodically tallies how many registered agents are
// currently reachable by each downstream transport, so /metrics and
// /metrics/json report live agentsByTransport counts instead of the empty
// map a collector starts with.
func transportMetricsLoop(ctx context.Context, reg *registry.Registry, sockets *socket.Manager, streams *stream.Manager, met *metrics.Collector) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	updateTransportMetrics(reg, sockets, streams, met)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTransportMetrics(reg, sockets, streams, met)
		}
	}
}

func updateTransportMetrics(reg *registry.Registry, sockets *socket.Manager, streams *stream.Manager, met *metrics.Collector) {
	counts := map[string]int64{"socket": 0, "stream": 0, "webhook": 0, "local-inject": 0, "offline": 0}
	for _, agent := range reg.GetAll() {
		_, hasSocket := sockets.Get(agent.PrincipalID)
		switch {
		case hasSocket:
			counts["socket"]++
		case streams.CountFor(agent.PrincipalID) > 0:
			counts["stream"]++
		case agent.DeliveryMode == domain.DeliveryWebhook:
			counts["webhook"]++
		case agent.DeliveryMode == domain.DeliveryLocalInject:
			counts["local-inject"]++
		default:
			counts["offline"]++
		}
	}
	for kind, n := range counts {
		met.SetAgentsByTransport(kind, n)
	}
}

// socketSessionsAdapter narrows *socket.Manager to router.SocketSessions:
// Go's interface satisfaction requires an exact method signature match, and
// Manager.Get returns the concrete *socket.Session rather than the
// router's capability interface.
type socketSessionsAdapter struct{ mgr *socket.Manager }

func (a socketSessionsAdapter) Get(principalID string) (router.SocketDeliverable, bool) {
	s, ok := a.mgr.Get(principalID)
	if !ok {
		return nil, false
	}
	return s, true
}

// streamSessionsAdapter narrows *stream.Manager to router.StreamSessions
// for the same reason.
type streamSessionsAdapter struct{ mgr *stream.Manager }

func (a streamSessionsAdapter) StreamsFor(principalID string) []router.StreamDeliverable {
	list := a.mgr.StreamsFor(principalID)
	out := make([]router.StreamDeliverable, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

// goGroup runs a set of background goroutines and waits for all of them to
// return, the way the teacher's main waits on channel.Start goroutines
// during shutdown.
type goGroup struct {
	done []chan struct{}
}

func (g *goGroup) Go(fn func()) {
	ch := make(chan struct{})
	g.done = append(g.done, ch)
	go func() {
		defer close(ch)
		fn()
	}()
}

func (g *goGroup) Wait() {
	for _, ch := range g.done {
		<-ch
	}
}
