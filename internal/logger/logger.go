// Package logger builds the process slog logger and keeps a bounded,
// thread-safe ring of recent messages that the operator UI can display
// while the startup pipeline is waiting for input.
package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Message represents a single log message
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Level     string    `json:"level"` // debug, info, warn, error
}

// Buffer keeps the last maxSize messages in memory.
type Buffer struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
}

// NewBuffer creates a buffer with the specified max message count
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Add appends a message, dropping the oldest once full.
func (b *Buffer) Add(level, text string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, Message{Timestamp: at, Text: text, Level: level})
	if len(b.messages) > b.maxSize {
		b.messages = b.messages[len(b.messages)-b.maxSize:]
	}
}

// Recent returns the most recent n messages (newest first)
func (b *Buffer) Recent(n int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.messages) || n < 0 {
		n = len(b.messages)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = b.messages[len(b.messages)-1-i]
	}
	return result
}

// teeHandler records every message at or above minLevel into a Buffer
// before handing it to the wrapped handler.
type teeHandler struct {
	next     slog.Handler
	buf      *Buffer
	minLevel slog.Level
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		text := r.Message
		r.Attrs(func(a slog.Attr) bool {
			text += " " + a.String()
			return true
		})
		h.buf.Add(levelName(r.Level), text, r.Time)
	}
	return h.next.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{next: h.next.WithAttrs(attrs), buf: h.buf, minLevel: h.minLevel}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{next: h.next.WithGroup(name), buf: h.buf, minLevel: h.minLevel}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
