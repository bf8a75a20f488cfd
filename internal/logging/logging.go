// ABOUTME: zerolog setup shared by the command line tools
// ABOUTME: Console or JSON output, optional log file, global level
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls where and how logs are written
type Options struct {
	Level  string // zerolog level name, default info
	Format string // "console" or "json"

	// File, when set, receives every log line as JSON
	File string

	// Quiet suppresses terminal output, used while the TUI owns the screen
	Quiet bool

	// Out is the terminal writer (default: os.Stderr)
	Out io.Writer
}

// Setup configures the global logger and returns it together with a
// function closing the log file
func Setup(opts Options) (zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var writers []io.Writer
	if !opts.Quiet {
		switch opts.Format {
		case "", "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly})
		case "json":
			writers = append(writers, out)
		default:
			return zerolog.Nop(), nil, fmt.Errorf("invalid log format %q", opts.Format)
		}
	}

	closeFn := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("error opening log file: %w", err)
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	var w io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return logger, closeFn, nil
}
