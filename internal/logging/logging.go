// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options control Setup. Format is "json" or "console"; empty picks json
// in production and console elsewhere.
type Options struct {
	Level  string
	Format string
	Env    string
	Out    io.Writer
}

// Setup configures the global logger and returns it.
func Setup(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	format := opts.Format
	if format == "" {
		format = "console"
		if opts.Env == "production" {
			format = "json"
		}
	}

	var w io.Writer = out
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(w).With().Timestamp().Str("service", "sharedrop").Logger()
	return log.Logger, nil
}
