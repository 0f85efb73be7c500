// Package logging builds the service's structured logger, grounded on the
// sibling module's Loki-bound zerolog setup: JSON output in production,
// a console writer for local development, level driven by configuration.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a base logger for levelName ("debug"|"info"|"warn"|"error")
// and formatName ("json"|"console").
func New(levelName, formatName string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if strings.ToLower(formatName) == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given subsystem name
// (main builds logsub, fetcher, pipeline and server loggers this way;
// sessions log through the server's) so log lines can be filtered by
// component.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
