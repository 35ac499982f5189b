package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Options control the process logger.
type Options struct {
	Debug   bool
	JSON    bool
	UID     bool
	Service string
	Version string

	// Output defaults to stdout.
	Output io.Writer
	// Buffer, when set, receives a copy of every info-or-above message.
	Buffer *Buffer
}

// Setup builds the slog logger shared by every component.
func Setup(opts *Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	if opts.Buffer != nil {
		handler = &teeHandler{next: handler, buf: opts.Buffer, minLevel: slog.LevelInfo}
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	if opts.UID {
		log = log.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return log
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
