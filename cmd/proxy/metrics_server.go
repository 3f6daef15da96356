package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
)

// startMetricsServer binds addr synchronously, so a bind failure surfaces
// as a fatal startup error, and returns a drain function. Mirrors the
// runHTTPServer shutdown sequence in go-server-3/cmd/odin-ws/main.go.
func startMetricsServer(ctx context.Context, addr string, reg *metrics.Registry, logger zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics endpoint: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info().Str("addr", addr).Msg("metrics endpoint starting")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return func() { <-done }, nil
}
