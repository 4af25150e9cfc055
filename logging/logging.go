// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "AIRBRUSH_LOG_LEVEL"
	EnvLogNoColor = "AIRBRUSH_LOG_NOCOLOR"
	EnvLogJSON    = "AIRBRUSH_LOG_JSON"
)

type Config struct {
	Level   zerolog.Level
	NoColor bool
	JSON    bool
	Out     io.Writer
}

func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel, Out: os.Stderr}
}

// New returns a logger tagged with app, after applying environment overrides,
// and installs it as the global zerolog logger.
func New(app string, cfg Config) zerolog.Logger {
	applyEnv(&cfg)
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}
	out := cfg.Out
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{
			Out:        cfg.Out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	logger := zerolog.New(out).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func applyEnv(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvLogNoColor)); err == nil {
		cfg.NoColor = v
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvLogJSON)); err == nil {
		cfg.JSON = v
	}
}

// ParseLevel accepts zerolog level names; "" and unknown names report false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, false
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}
