// Package upstream implements one persistent WebSocket client connection
// per upstream URI, reconnecting with exponential backoff and publishing
// received text frames to the broadcast bus.
//
// Grounded on internal/shared/kafka/consumer.go for the
// retry-loop-around-a-long-lived-consume shape, and on
// go-server-3/internal/transport/server.go's gobwas/ws frame-reading loop,
// mirrored here for the client side of the handshake (the source codebase
// only ever accepts connections; dialing out uses the same library on the
// other side of the handshake). The reconnect/disconnect/error-handler
// shape additionally mirrors go-server/pkg/nats/client.go's connection
// event handlers, even though a message broker client is not imported
// here.
package upstream

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/bus"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
)

const pingInterval = 10 * time.Second

// Subscriber maintains one upstream WebSocket connection and republishes
// every text frame it receives onto the shared bus.
type Subscriber struct {
	uri     string
	bus     *bus.Bus
	metrics *metrics.Registry
	logger  zerolog.Logger

	maxInterval time.Duration

	dial  func(ctx context.Context, uri string) (net.Conn, error)
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Subscriber for uri, publishing received messages onto b.
func New(uri string, b *bus.Bus, m *metrics.Registry, logger zerolog.Logger, maxInterval time.Duration) *Subscriber {
	return &Subscriber{
		uri:         uri,
		bus:         b,
		metrics:     m,
		logger:      logger.With().Str("component", "upstream_subscriber").Str("uri", uri).Logger(),
		maxInterval: maxInterval,
		dial:        dialWS,
		sleep:       sleepCtx,
	}
}

func dialWS(ctx context.Context, uri string) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, uri)
	return conn, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the connect loop until ctx is cancelled. It never returns an
// error: every upstream failure is retried indefinitely, matching spec
// §4.1's failure semantics ("a subscriber never panics the process").
func (s *Subscriber) Run(ctx context.Context) {
	delay := time.Second
	for {
		if err := s.sleep(ctx, delay); err != nil {
			return
		}

		conn, err := s.dial(ctx, s.uri)
		if err != nil {
			s.metrics.UpstreamState.WithLabelValues(s.uri).Set(0)
			s.logger.Warn().Err(err).Dur("backoff", delay).Msg("upstream connect failed")
			delay = nextBackoff(delay, s.maxInterval)
			continue
		}

		s.metrics.UpstreamState.WithLabelValues(s.uri).Set(1)
		s.logger.Info().Msg("upstream connected")
		delay = time.Second // reset the backoff seed on any successful connect

		s.runConnected(ctx, conn)

		s.metrics.UpstreamState.WithLabelValues(s.uri).Set(0)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info().Msg("upstream disconnected, reconnecting")
	}
}

// runConnected drives the read loop and ping/pong liveness loop for one
// connected session, returning when either exits (error, close frame, ping
// timeout, or cancellation).
func (s *Subscriber) runConnected(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var lastPong atomic.Value
	lastPong.Store(time.Now())

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.pingLoop(connCtx, conn, &lastPong)
	}()

	s.readLoop(connCtx, conn, &lastPong)
	cancel()
	<-done
}

func (s *Subscriber) readLoop(ctx context.Context, conn net.Conn, lastPong *atomic.Value) {
	reader := wsutil.NewReader(conn, ws.StateClientSide)
	for {
		if ctx.Err() != nil {
			return
		}

		hdr, err := reader.NextFrame()
		if err != nil {
			if !isClosedErr(err) {
				s.logger.Debug().Err(err).Msg("upstream read error")
			}
			return
		}

		switch hdr.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpPong, payload); err != nil {
				return
			}
		case ws.OpPong:
			if _, err := io.CopyN(io.Discard, reader, int64(hdr.Length)); err != nil {
				return
			}
			lastPong.Store(time.Now())
		case ws.OpText:
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.bus.Publish(string(payload))
			s.metrics.UpstreamMessagesTotal.WithLabelValues(s.uri).Inc()
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(hdr.Length)); err != nil {
				return
			}
		}
	}
}

func (s *Subscriber) pingLoop(ctx context.Context, conn net.Conn, lastPong *atomic.Value) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := lastPong.Load().(time.Time)
			if time.Since(last) > pingInterval*2 {
				s.logger.Warn().Msg("upstream ping timeout")
				conn.Close()
				return
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpPing, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
