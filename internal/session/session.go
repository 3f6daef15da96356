// Package session implements the per-downstream-client session of spec
// §4.4: three concurrent activities (forwarder, reader, pinger) sharing one
// socket, torn down atomically the instant any one of them ends.
//
// Grounded on go-server-3/internal/transport/server.go's read/write loop
// split (one goroutine per direction over a gobwas/ws connection,
// cancelled via a derived context) and on go-server-3/internal/session/
// hub.go's register/unregister-releases-resources shape, adapted from a
// hub-owned send channel to a direct reader handle on the shared bus.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/bus"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
	"github.com/base/flashblocks-websocket-proxy/internal/ratelimit"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Termination reasons, published on the sessions_terminated_total metric.
const (
	ReasonRemoteClose = "remote_close"
	ReasonReadError   = "read_error"
	ReasonWriteError  = "write_error"
	ReasonLagged      = "lagged"
	ReasonPongTimeout = "pong_timeout"
	ReasonCancelled   = "cancelled"
)

// Conn is the subset of net.Conn a session needs; satisfied by any
// gobwas/ws upgraded connection.
type Conn interface {
	io.ReadWriteCloser
}

// Session streams bus messages to one downstream WebSocket client until
// termination, then releases its admission ticket.
type Session struct {
	conn    Conn
	reader  *bus.Reader
	ticket  *ratelimit.Ticket
	bus     *bus.Bus
	metrics *metrics.Registry
	logger  zerolog.Logger

	livenessMu sync.Mutex
	lastPong   time.Time
}

// New creates a Session. reader must already be subscribed to b; ticket is
// released exactly once when the session terminates.
func New(conn Conn, b *bus.Bus, reader *bus.Reader, ticket *ratelimit.Ticket, m *metrics.Registry, logger zerolog.Logger) *Session {
	return &Session{
		conn:     conn,
		reader:   reader,
		ticket:   ticket,
		bus:      b,
		metrics:  m,
		logger:   logger.With().Str("component", "session").Logger(),
		lastPong: time.Now(),
	}
}

// Run drives the session until one of the three activities terminates it or
// ctx is cancelled, then tears everything down. It always returns.
func (s *Session) Run(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)

	var (
		once   sync.Once
		reason string
	)
	terminate := func(r string) {
		once.Do(func() {
			reason = r
			cancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.forwarder(connCtx, terminate)
	}()
	go func() {
		defer wg.Done()
		s.clientReader(connCtx, terminate)
	}()
	go func() {
		defer wg.Done()
		s.pinger(connCtx, terminate)
	}()

	<-connCtx.Done()
	if reason == "" {
		// Parent ctx was cancelled directly (global shutdown), not one of
		// the three activities.
		reason = ReasonCancelled
	}

	s.conn.Close()
	wg.Wait()
	cancel()

	s.ticket.Release()
	s.reader.Close()
	s.metrics.SessionsTerminatedTotal.WithLabelValues(reason).Inc()
	s.metrics.ActiveConnections.Set(float64(s.bus.ReaderCount()))
}

// forwarder copies bus messages to the client as WS text frames until the
// bus reports lag, closes, or a write fails.
func (s *Session) forwarder(ctx context.Context, terminate func(string)) {
	for {
		ev, err := s.reader.Recv(ctx)
		if err != nil {
			return
		}
		switch ev.Kind {
		case bus.EventLagged:
			_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "lagged"))
			terminate(ReasonLagged)
			return
		case bus.EventClosed:
			terminate(ReasonCancelled)
			return
		case bus.EventMessage:
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, []byte(ev.Message)); err != nil {
				terminate(ReasonWriteError)
				return
			}
		}
	}
}

// clientReader drains client frames. The proxy is read-only from the
// client's perspective: text/binary payloads are discarded, pings are
// answered with a pong, pongs update liveness, and a close frame or a read
// error ends the session.
func (s *Session) clientReader(ctx context.Context, terminate func(string)) {
	r := wsutil.NewReader(s.conn, ws.StateServerSide)
	for {
		if ctx.Err() != nil {
			return
		}
		hdr, err := r.NextFrame()
		if err != nil {
			terminate(ReasonReadError)
			return
		}
		switch hdr.OpCode {
		case ws.OpClose:
			_, _ = io.CopyN(io.Discard, r, int64(hdr.Length))
			terminate(ReasonRemoteClose)
			return
		case ws.OpPing:
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(r, payload); err != nil {
				terminate(ReasonReadError)
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPong, payload); err != nil {
				terminate(ReasonWriteError)
				return
			}
		case ws.OpPong:
			if _, err := io.CopyN(io.Discard, r, int64(hdr.Length)); err != nil {
				terminate(ReasonReadError)
				return
			}
			s.noteLiveness()
		default:
			if _, err := io.CopyN(io.Discard, r, int64(hdr.Length)); err != nil {
				terminate(ReasonReadError)
				return
			}
		}
	}
}

func (s *Session) noteLiveness() {
	s.livenessMu.Lock()
	s.lastPong = time.Now()
	s.livenessMu.Unlock()
}

// pinger sends a ping every pingInterval and terminates the session if no
// pong has been observed within pongTimeout.
func (s *Session) pinger(ctx context.Context, terminate func(string)) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.livenessMu.Lock()
			last := s.lastPong
			s.livenessMu.Unlock()
			if time.Since(last) > pongTimeout {
				terminate(ReasonPongTimeout)
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				terminate(ReasonWriteError)
				return
			}
		}
	}
}
