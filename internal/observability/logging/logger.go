// Package logging configures the global zerolog logger and hands out child
// loggers carrying session and connection fields.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // trace, debug, info, warn, error, disabled
	Format     string // json, console
	TimeFormat string
	// Output defaults to stderr; stdout belongs to the transcript view.
	Output io.Writer
	Caller bool
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
		Caller:     true,
	}
}

// Init replaces the global logger and level. Unknown levels fall back to info.
func Init(cfg Config) {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(out),
		}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// WithSession tags log lines with the capture session.
func WithSession(sessionID, clientUID string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("clientUid", clientUID).
		Logger()
}

// WithConnection tags log lines with one socket connection.
func WithConnection(sessionID, mode string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("protocol", mode).
		Logger()
}

func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
