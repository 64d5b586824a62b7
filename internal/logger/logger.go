package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"entity-engine/internal/config"
)

// Setup configures the global zerolog logger and returns it.
func Setup(cfg config.LogConfig) zerolog.Logger {
	return SetupWriter(cfg, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = l
	return l
}
