// Package logging builds the zerolog logger shared by every component,
// matching the construction in internal/shared/monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/base/flashblocks-websocket-proxy/internal/config"
)

// New builds a zerolog.Logger configured from cfg's LogLevel/LogFormat.
func New(cfg config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, err
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.LogFormat == config.LogFormatText {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).With().Timestamp().Str("service", "flashblocks-websocket-proxy").Logger()
	return logger, nil
}
