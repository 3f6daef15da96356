// Package config loads proxy configuration from environment variables (and
// an optional .env file), with flags layered on top for the handful of
// operator overrides exposed at the command line.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LogFormat selects the zerolog writer used by internal/logging.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config holds every option the proxy accepts. Each field is available as
// both an environment variable (via the `env` tag) and, for the handful
// with an override flag, a CLI flag.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"0.0.0.0:8545"`

	UpstreamWS []string `env:"UPSTREAM_WS" envSeparator:","`

	MessageBufferSize int `env:"MESSAGE_BUFFER_SIZE" envDefault:"20"`

	GlobalConnectionsLimit int `env:"GLOBAL_CONNECTIONS_LIMIT" envDefault:"100"`
	PerIPConnectionsLimit  int `env:"PER_IP_CONNECTIONS_LIMIT" envDefault:"10"`

	IPAddrHTTPHeader string `env:"IP_ADDR_HTTP_HEADER" envDefault:"X-Forwarded-For"`

	LogLevel  string    `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat LogFormat `env:"LOG_FORMAT" envDefault:"text"`

	MetricsEnabled bool   `env:"METRICS" envDefault:"true"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:"0.0.0.0:9000"`

	SubscriberMaxIntervalSeconds int `env:"SUBSCRIBER_MAX_INTERVAL" envDefault:"20"`

	// ConnectionRate* configure the admission pacer layered in front of the
	// counting connection limiter, bounding new connection attempts per
	// second rather than concurrent count.
	ConnectionRateGlobal      float64 `env:"CONNECTION_RATE_GLOBAL" envDefault:"50"`
	ConnectionRateGlobalBurst int     `env:"CONNECTION_RATE_GLOBAL_BURST" envDefault:"100"`
	ConnectionRatePerIP       float64 `env:"CONNECTION_RATE_PER_IP" envDefault:"5"`
	ConnectionRatePerIPBurst  int     `env:"CONNECTION_RATE_PER_IP_BURST" envDefault:"10"`

	// APIKeys configures the optional auth allow list; an empty list
	// disables authentication entirely. Sourced the same way as every
	// other option.
	APIKeys []string `env:"API_KEYS" envSeparator:","`
}

// SubscriberMaxInterval returns the configured backoff ceiling as a duration.
func (c Config) SubscriberMaxInterval() time.Duration {
	return time.Duration(c.SubscriberMaxIntervalSeconds) * time.Second
}

// Load reads configuration from an optional .env file, environment
// variables, and command-line flags, in that order of increasing priority.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is not fatal; production deployments
		// configure entirely through the environment.
		_ = err
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	fs := flag.NewFlagSet("flashblocks-websocket-proxy", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", cfg.ListenAddr, "TCP bind address for the HTTP/WS server")
	upstreams := fs.String("upstream-ws", strings.Join(cfg.UpstreamWS, ","), "comma-separated upstream WebSocket URIs")
	logLevel := fs.String("log-level", cfg.LogLevel, "tracing filter")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "text or json")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Prometheus endpoint bind address")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.LogFormat = LogFormat(*logFormat)
	cfg.MetricsAddr = *metricsAddr
	if *upstreams != "" {
		cfg.UpstreamWS = splitTrim(*upstreams)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the required and ranged fields that must be fatal
// startup configuration errors.
func (c Config) Validate() error {
	if len(c.UpstreamWS) == 0 {
		return fmt.Errorf("at least one upstream_ws URI is required")
	}
	if c.MessageBufferSize <= 0 {
		return fmt.Errorf("message_buffer_size must be > 0, got %d", c.MessageBufferSize)
	}
	if c.GlobalConnectionsLimit <= 0 {
		return fmt.Errorf("global_connections_limit must be > 0, got %d", c.GlobalConnectionsLimit)
	}
	if c.PerIPConnectionsLimit <= 0 {
		return fmt.Errorf("per_ip_connections_limit must be > 0, got %d", c.PerIPConnectionsLimit)
	}
	if c.SubscriberMaxIntervalSeconds <= 0 {
		return fmt.Errorf("subscriber_max_interval must be > 0, got %d", c.SubscriberMaxIntervalSeconds)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
