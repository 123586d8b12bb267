// Package wrpclog centralizes zerolog setup so every package in this
// module gets the same field names (xid, service, method, status) and the
// same console-vs-JSON switch, rather than each transport hand-rolling its
// own logger.
package wrpclog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is one of zerolog's textual levels ("debug", "info", "warn",
	// "error"); defaults to "info".
	Level string
	// Pretty selects zerolog's human-readable console writer instead of
	// raw JSON lines; useful for `cmd/wrpcd` run interactively.
	Pretty bool
	Output io.Writer
}

// New builds a logger configured per opts. It never returns the zero
// Logger: every field defaults sensibly so callers can pass a
// zero-valued Options and get a usable logger.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
