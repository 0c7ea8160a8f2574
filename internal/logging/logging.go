// Package logging constructs the single zerolog.Logger each process uses,
// the way ws/internal/shared/monitoring.NewLogger does: level and format
// driven by Config, JSON to stdout in production, a console writer in
// development.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and output format.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New builds a zerolog.Logger per Config, setting the process-wide minimum
// level via zerolog.SetGlobalLevel so every sub-logger derived from it
// respects the same floor.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(level)
}
