package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/bus"
	"github.com/base/flashblocks-websocket-proxy/internal/metrics"
	"github.com/base/flashblocks-websocket-proxy/internal/ratelimit"
)

func newTestServer(t *testing.T, apiKeys []string, globalLimit, perIPLimit int) (*Server, *bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New(20)
	limiter := ratelimit.New(globalLimit, perIPLimit)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := Config{IPAddrHTTPHeader: "X-Forwarded-For", APIKeys: apiKeys}
	srv := New(cfg, b, limiter, reg, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, b, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestHealthzAlwaysOK(t *testing.T) {
	_, _, ts := newTestServer(t, nil, 10, 10)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRejectsWithoutKey(t *testing.T) {
	_, _, ts := newTestServer(t, []string{"A", "B"}, 10, 10)
	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "API key required" {
		t.Fatalf("message = %q, want %q", body["message"], "API key required")
	}
}

func TestAuthRejectsInvalidKey(t *testing.T) {
	_, _, ts := newTestServer(t, []string{"A", "B"}, 10, 10)
	resp, err := http.Get(ts.URL + "/ws/C")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["message"] != "Invalid API key" {
		t.Fatalf("message = %q, want %q", body["message"], "Invalid API key")
	}
}

func TestAuthAcceptsValidKey(t *testing.T) {
	_, b, ts := newTestServer(t, []string{"A", "B"}, 10, 10)
	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts, "/ws/A"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.ReaderCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reader count = %d, want 1 after admitted upgrade", b.ReaderCount())
}

func TestRateLimitReturns429(t *testing.T) {
	_, _, ts := newTestServer(t, nil, 1, 1)

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts, "/ws"))
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn.Close()

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["message"] != ratelimit.ReasonGlobal {
		t.Fatalf("message = %q, want %q", body["message"], ratelimit.ReasonGlobal)
	}
}

func TestConnectionPacerReturns429(t *testing.T) {
	b := bus.New(20)
	limiter := ratelimit.New(10, 10)
	pacer := ratelimit.NewConnectionPacer(1, 1, 1, 1, time.Minute)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := Config{IPAddrHTTPHeader: "X-Forwarded-For", Pacer: pacer}
	srv := New(cfg, b, limiter, reg, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts, "/ws"))
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn.Close()

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["message"] != ratelimit.ReasonPaced {
		t.Fatalf("message = %q, want %q", body["message"], ratelimit.ReasonPaced)
	}
}

func TestAdmittedSessionReceivesBroadcast(t *testing.T) {
	_, b, ts := newTestServer(t, nil, 10, 10)
	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts, "/ws"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.ReaderCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish("hello")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	r := wsutil.NewReader(conn, ws.StateClientSide)
	hdr, err := r.NextFrame()
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("got %q, want %q", payload, "hello")
	}
}
