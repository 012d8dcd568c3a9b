package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the root logger.
type Options struct {
	Level  string
	Pretty bool
}

var root = zerolog.New(os.Stdout).With().Timestamp().Logger()

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Setup configures the process-wide root logger. Component loggers created
// afterwards inherit its level and output.
func Setup(service string, opts Options) zerolog.Logger {
	level := ParseLevel(opts.Level)

	var base zerolog.Logger
	if opts.Pretty {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		base = zerolog.New(os.Stdout)
	}
	root = base.Level(level).With().Timestamp().Str("service", service).Logger()
	return root
}

// New returns a logger tagged with the given component name.
func New(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
