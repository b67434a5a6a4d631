// Package logging sets up the process zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init builds the root logger. format "console" (default) or "json".
func Init(app, level, format string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component: child logger tagged with component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
