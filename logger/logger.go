// Package logger constructs the process-wide zerolog.Logger: console
// writer in development/test, JSON in staging/production.
// main constructs exactly one and threads it through every constructor.
package logger

import (
	"os"

	"github.com/govgate/gateway/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger for the given environment.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.Env == "development" || cfg.Env == "test" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Env == "production" || cfg.Env == "staging" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(out).With().Timestamp().Logger()
}
