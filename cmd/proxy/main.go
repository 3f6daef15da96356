package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/base/flashblocks-websocket-proxy/internal/config"
	"github.com/base/flashblocks-websocket-proxy/internal/logging"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
	"github.com/base/flashblocks-websocket-proxy/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	logger, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging setup error:", err)
		return 1
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		drain, err := startMetricsServer(ctx, cfg.MetricsAddr, reg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to install metrics endpoint")
			return 1
		}
		defer drain()
	}

	sv := supervisor.New(cfg, logger, reg)

	logger.Info().
		Strs("upstream_ws", cfg.UpstreamWS).
		Str("listen_addr", cfg.ListenAddr).
		Msg("flashblocks-websocket-proxy starting")

	if err := sv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor exited with error")
		return 1
	}

	logger.Info().Msg("clean shutdown")
	return 0
}
