// Package server implements the admission layer: HTTP routing,
// authentication, IP extraction, rate limiting, and handoff to a client
// session.
//
// Grounded on root server.go's handleWebSocket (ws.UpgradeHTTP over a
// net/http handler, connection-slot admission before the upgrade,
// structured rejection logging) generalized from a single-endpoint,
// unauthenticated accept path to an auth-policy/rate-limit/upgrade
// sequence.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/bus"
	"github.com/base/flashblocks-websocket-proxy/internal/ipextract"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
	"github.com/base/flashblocks-websocket-proxy/internal/ratelimit"
	"github.com/base/flashblocks-websocket-proxy/internal/session"
)

// Config holds the admission server's routing-relevant settings, a subset
// of the process-wide configuration.
type Config struct {
	ListenAddr       string
	IPAddrHTTPHeader string
	APIKeys          []string
	// Pacer, when non-nil, is consulted ahead of the counting Limiter to
	// reject connection-flood bursts by rate rather than concurrent count.
	Pacer *ratelimit.ConnectionPacer
}

// Server terminates HTTP, authenticates and rate-limits connection
// attempts, and upgrades admitted requests to client sessions.
type Server struct {
	cfg     Config
	bus     *bus.Bus
	limiter *ratelimit.Limiter
	pacer   *ratelimit.ConnectionPacer
	metrics *metrics.Registry
	logger  zerolog.Logger

	handler    http.Handler
	httpServer *http.Server

	mu       sync.Mutex
	ctx      context.Context
	sessions sync.WaitGroup
}

// New constructs a Server. Call Start to begin listening.
func New(cfg Config, b *bus.Bus, limiter *ratelimit.Limiter, m *metrics.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     b,
		limiter: limiter,
		pacer:   cfg.Pacer,
		metrics: m,
		logger:  logger.With().Str("component", "admission_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/ws/{key}", s.handleUpgrade)

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// Handler exposes the underlying http.Handler for tests that want to drive
// the routing/admission logic over an httptest.Server instead of a bound
// TCP listener.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener and serves until ctx is cancelled, at which
// point it shuts the HTTP server down gracefully and waits for every
// in-flight session to finish draining.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("admission server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.sessions.Wait()
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if ok, message := authorize(s.cfg.APIKeys, key); !ok {
		s.metrics.UnauthorizedRequestsTotal.Inc()
		writeJSONError(w, http.StatusUnauthorized, message)
		return
	}

	ip := ipextract.FromRequest(r, s.cfg.IPAddrHTTPHeader)

	if s.pacer != nil && !s.pacer.Allow(ip) {
		s.metrics.ConnectionPacedTotal.Inc()
		writeJSONError(w, http.StatusTooManyRequests, ratelimit.ReasonPaced)
		return
	}

	ticket, err := s.limiter.TryAcquire(ip)
	if err != nil {
		s.metrics.RateLimitedRequestsTotal.Inc()
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		ticket.Release()
		s.logger.Info().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	reader := s.bus.Subscribe()
	sess := session.New(conn, s.bus, reader, ticket, s.metrics, s.logger)

	s.metrics.ConnectionsByAPIKey.WithLabelValues(metrics.APIKeyLabel(key)).Inc()
	s.metrics.ActiveConnections.Set(float64(s.bus.ReaderCount()))

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		sess.Run(s.runCtx())
	}()
}

// runCtx returns the cancellation context sessions should observe. Start
// populates it from the context the supervisor passed in; before Start is
// called (e.g. in tests exercising handleUpgrade directly) it defaults to
// Background.
func (s *Server) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
