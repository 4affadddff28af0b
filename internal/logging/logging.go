// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/config"
)

// New returns a configured zerolog.Logger. The level is cfg.LogLevel
// (info when it does not parse), or debug in development when LogLevel is
// empty. Output is JSON when cfg.LogJSON is set outside development, and
// the console writer otherwise.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() && cfg.LogLevel == "" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.LogJSON && !cfg.IsDevelopment() {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(out).With().Timestamp().Logger()
}
