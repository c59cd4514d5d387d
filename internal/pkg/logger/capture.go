package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single captured log record
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   string // Formatted key=value pairs
}

// CaptureBuffer is a ring buffer of recent log entries
type CaptureBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewCaptureBuffer creates a new ring buffer with the given capacity
func NewCaptureBuffer(capacity int) *CaptureBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &CaptureBuffer{
		entries: make([]LogEntry, capacity),
		size:    capacity,
	}
}

// Add adds a log entry to the buffer
func (b *CaptureBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetAll returns all entries in chronological order (oldest first)
func (b *CaptureBuffer) GetAll() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, b.count)
	start := 0
	if b.count == b.size {
		start = b.head // head points to oldest when full
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.size]
	}
	return result
}

// Contains reports whether any captured message at level or above contains substr.
func (b *CaptureBuffer) Contains(level slog.Level, substr string) bool {
	for _, e := range b.GetAll() {
		if e.Level >= level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of entries in the buffer
func (b *CaptureBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// CaptureHandler is a slog handler that records into a CaptureBuffer
type CaptureHandler struct {
	buffer *CaptureBuffer
	level  slog.Level
	attrs  []slog.Attr
}

// NewCaptureHandler creates a handler that captures logs to the buffer
func NewCaptureHandler(buffer *CaptureBuffer, level slog.Level) *CaptureHandler {
	return &CaptureHandler{buffer: buffer, level: level}
}

// Enabled reports whether the handler handles records at the given level
func (h *CaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle records r in the buffer
func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	appendAttr := func(a slog.Attr) {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})

	h.buffer.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   sb.String(),
	})
	return nil
}

// WithAttrs returns a new handler with the given attributes
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &CaptureHandler{buffer: h.buffer, level: h.level, attrs: merged}
}

// WithGroup returns the handler unchanged; groups are flattened in captures.
func (h *CaptureHandler) WithGroup(string) slog.Handler {
	return h
}

// StartCapture routes the default logger into a fresh buffer and returns
// a restore function that reinstalls the previous logger.
func StartCapture(level slog.Level) (*CaptureBuffer, func()) {
	prev := Get()
	buf := NewCaptureBuffer(1000)
	SetHandler(NewCaptureHandler(buf, level))
	return buf, func() {
		mu.Lock()
		defaultLogger = prev
		mu.Unlock()
	}
}

// FormatLevel returns a short string for the log level
func FormatLevel(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}
