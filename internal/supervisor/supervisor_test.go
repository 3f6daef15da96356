package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/config"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:                   "127.0.0.1:0",
		UpstreamWS:                   []string{"ws://upstream.invalid/feed"},
		MessageBufferSize:            10,
		GlobalConnectionsLimit:       10,
		PerIPConnectionsLimit:        5,
		IPAddrHTTPHeader:             "X-Forwarded-For",
		SubscriberMaxIntervalSeconds: 20,
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	sv := New(testConfig(), zerolog.Nop(), metrics.NewRegistry(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on clean cancellation: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down after cancellation")
	}
}
