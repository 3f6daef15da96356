// Package metrics wraps the Prometheus collectors published by the proxy,
// following the registry-struct style of
// go-server-3/internal/metrics/metrics.go, expanded with the per-dimension
// CounterVecs the ws/metrics.go variant uses for labeled detail.
package metrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry holds every collector the proxy publishes.
type Registry struct {
	ActiveConnections         prometheus.Gauge
	RateLimitedRequestsTotal  prometheus.Counter
	UnauthorizedRequestsTotal prometheus.Counter
	ConnectionPacedTotal      prometheus.Counter
	UpstreamMessagesTotal     *prometheus.CounterVec
	UpstreamState             *prometheus.GaugeVec
	ConnectionsByAPIKey       *prometheus.CounterVec
	SessionsTerminatedTotal   *prometheus.CounterVec

	goroutines prometheus.GaugeFunc
	residentMB prometheus.Gauge
	proc       *process.Process
}

// NewRegistry creates and registers the proxy's Prometheus collectors
// against reg, mirroring promauto usage in
// go-server-3/internal/metrics/metrics.go. Production callers pass
// prometheus.DefaultRegisterer; tests pass a fresh prometheus.NewRegistry()
// so repeated calls within one test binary don't collide on collector names.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	r := &Registry{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of currently connected downstream WebSocket clients.",
		}),
		RateLimitedRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Total number of connection attempts rejected by the rate limiter.",
		}),
		UnauthorizedRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "unauthorized_requests_total",
			Help: "Total number of connection attempts rejected for missing or invalid API key.",
		}),
		ConnectionPacedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "connection_paced_rejections_total",
			Help: "Total number of connection attempts rejected by the connection-rate pacer.",
		}),
		UpstreamMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_messages_total",
			Help: "Total number of text frames published from an upstream to the broadcast bus.",
		}, []string{"uri"}),
		UpstreamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "upstream_state",
			Help: "Upstream connection state: 1 = connected, 0 = disconnected.",
		}, []string{"uri"}),
		ConnectionsByAPIKey: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_proxy_connections_by_api_key",
			Help: "Total admitted connections labeled by a truncated API key.",
		}, []string{"key"}),
		SessionsTerminatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_terminated_total",
			Help: "Total downstream sessions terminated, labeled by reason.",
		}, []string{"reason"}),
	}

	r.goroutines = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "process_goroutines",
		Help: "Current number of goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	r.residentMB = factory.NewGauge(prometheus.GaugeOpts{
		Name: "process_resident_memory_megabytes",
		Help: "Resident memory of the proxy process, sampled via gopsutil.",
	})
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}

	return r
}

// StartSelfReport periodically samples process-level resource gauges
// (RSS via gopsutil) until done is closed, mirroring the periodic collector
// pattern in ws/metrics.go's MetricsCollector.
func (r *Registry) StartSelfReport(done <-chan struct{}, interval time.Duration) {
	if r.proc == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
					r.residentMB.Set(float64(mem.RSS) / (1024 * 1024))
				}
			}
		}
	}()
}

// Handler returns an http.Handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// APIKeyLabel truncates an API key for use as a low-cardinality metric
// label: "none" when absent, the full key when it is 8 characters or
// shorter, otherwise the first 8 characters followed by "...".
func APIKeyLabel(key string) string {
	if key == "" {
		return "none"
	}
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
