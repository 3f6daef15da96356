// Package supervisor wires every component together and propagates a
// single cancellation token: firing it drops every subscriber's socket,
// stops the admission server from accepting new connections, and closes
// every live client session, then waits for all of it to drain.
//
// Grounded on cmd/single/main.go's signal-wait-then-shutdown shape,
// generalized from one blocking os.Signal channel into a shared context
// covering every task the supervisor owns.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/bus"
	"github.com/base/flashblocks-websocket-proxy/internal/config"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
	"github.com/base/flashblocks-websocket-proxy/internal/ratelimit"
	"github.com/base/flashblocks-websocket-proxy/internal/server"
	"github.com/base/flashblocks-websocket-proxy/internal/upstream"
)

// selfReportInterval is the sampling cadence for the process RSS gauge
// (the goroutine gauge is computed at scrape time), matching the original
// MetricsInterval default.
const selfReportInterval = 15 * time.Second

// pacerCleanupInterval bounds how often idle per-IP pacer entries are
// evicted from the connection pacer's map.
const pacerCleanupInterval = 5 * time.Minute

// pacerEntryTTL is how long an idle IP's pacer entry survives before
// pacerCleanupInterval reclaims it.
const pacerEntryTTL = 10 * time.Minute

// Supervisor owns the bus, rate limiter, upstream subscribers, and
// admission server, and coordinates their shared shutdown.
type Supervisor struct {
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	bus         *bus.Bus
	limiter     *ratelimit.Limiter
	pacer       *ratelimit.ConnectionPacer
	subscribers []*upstream.Subscriber
	server      *server.Server
}

// New constructs every core component from cfg without starting anything.
func New(cfg config.Config, logger zerolog.Logger, reg *metrics.Registry) *Supervisor {
	b := bus.New(cfg.MessageBufferSize)
	limiter := ratelimit.New(cfg.GlobalConnectionsLimit, cfg.PerIPConnectionsLimit)
	pacer := ratelimit.NewConnectionPacer(
		cfg.ConnectionRateGlobal, cfg.ConnectionRateGlobalBurst,
		cfg.ConnectionRatePerIP, cfg.ConnectionRatePerIPBurst,
		pacerEntryTTL,
	)

	subscribers := make([]*upstream.Subscriber, 0, len(cfg.UpstreamWS))
	for _, uri := range cfg.UpstreamWS {
		subscribers = append(subscribers, upstream.New(uri, b, reg, logger, cfg.SubscriberMaxInterval()))
	}

	srv := server.New(server.Config{
		ListenAddr:       cfg.ListenAddr,
		IPAddrHTTPHeader: cfg.IPAddrHTTPHeader,
		APIKeys:          cfg.APIKeys,
		Pacer:            pacer,
	}, b, limiter, reg, logger)

	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With().Str("component", "supervisor").Logger(),
		metrics:     reg,
		bus:         b,
		limiter:     limiter,
		pacer:       pacer,
		subscribers: subscribers,
		server:      srv,
	}
}

// Run blocks until ctx is cancelled (by the caller, by every subscriber
// exiting unexpectedly, or by the accept task exiting unexpectedly), then
// waits for every owned task to drain before returning.
func (sv *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var subWG sync.WaitGroup
	for _, sub := range sv.subscribers {
		subWG.Add(1)
		go func(s *upstream.Subscriber) {
			defer subWG.Done()
			s.Run(runCtx)
		}(sub)
	}

	subscribersDone := make(chan struct{})
	go func() {
		subWG.Wait()
		close(subscribersDone)
	}()
	go func() {
		select {
		case <-subscribersDone:
			if runCtx.Err() == nil {
				sv.logger.Error().Msg("all upstream subscribers exited unexpectedly")
				cancel()
			}
		case <-runCtx.Done():
		}
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- sv.server.Start(runCtx)
	}()

	sv.metrics.StartSelfReport(runCtx.Done(), selfReportInterval)
	sv.startPacerCleanup(runCtx.Done())

	select {
	case <-ctx.Done():
	case <-runCtx.Done():
	case err := <-serverDone:
		if runCtx.Err() == nil {
			sv.logger.Error().Err(err).Msg("admission server accept task exited unexpectedly")
		}
		cancel()
		subWG.Wait()
		return err
	}

	cancel()
	<-serverDone
	subWG.Wait()
	sv.bus.Shutdown()
	sv.logger.Info().Msg("supervisor shutdown complete")
	return nil
}

// startPacerCleanup periodically evicts idle per-IP entries from the
// connection pacer so the map doesn't grow unbounded under a long-lived
// process serving many distinct client IPs.
func (sv *Supervisor) startPacerCleanup(done <-chan struct{}) {
	ticker := time.NewTicker(pacerCleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sv.pacer.Cleanup()
			}
		}
	}()
}
