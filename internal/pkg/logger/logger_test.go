package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	Initialize()

	// Output cannot be inspected here, only that nothing panics
	t.Run("Info", func(t *testing.T) {
		Info("Test info message", "component", "test")
		InfoContext(ctx, "Test info message", "key", "value", "number", 42)
	})

	t.Run("Warn", func(t *testing.T) {
		Warn("Test warning message", "component", "test")
		WarnContext(ctx, "Test warning message", "component", "test")
	})

	t.Run("Error", func(t *testing.T) {
		Error("Test error message", "error", "sample error")
		ErrorContext(ctx, "Test error message", "error", "sample error")
	})

	t.Run("Debug", func(t *testing.T) {
		Debug("Test debug message", "debug", true)
		DebugContext(ctx, "Test debug message", "debug", true)
	})
}

func TestLoggerInitialization(t *testing.T) {
	l := Get()
	require.NotNil(t, l)
	assert.Same(t, l, Get(), "Expected same logger instance on multiple calls")

	assert.NotNil(t, With("service", "test"))
	assert.NotNil(t, WithGroup("test_group"))
	assert.NotNil(t, Component("pool"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigure(t *testing.T) {
	prev := Get()
	defer SetHandler(prev.Handler())

	var buf bytes.Buffer
	Configure(Options{Level: slog.LevelWarn, Format: "text", Output: &buf})

	Info("hidden")
	Warn("visible", "index", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "index=3")
}

func TestStartCapture(t *testing.T) {
	buf, restore := StartCapture(slog.LevelDebug)

	Debug("session reset", "index", 1)
	With("component", "pool").Warn("double free")

	restore()
	Info("after restore")

	require.Equal(t, 2, buf.Count())
	assert.True(t, buf.Contains(slog.LevelWarn, "double free"))
	assert.False(t, buf.Contains(slog.LevelWarn, "session reset"))
	assert.False(t, buf.Contains(slog.LevelDebug, "after restore"))

	entries := buf.GetAll()
	assert.Equal(t, "index=1", entries[0].Attrs)
	assert.Equal(t, "component=pool", entries[1].Attrs)
}

func TestCaptureBufferWraps(t *testing.T) {
	b := NewCaptureBuffer(2)
	b.Add(LogEntry{Message: "a"})
	b.Add(LogEntry{Message: "b"})
	b.Add(LogEntry{Message: "c"})

	all := b.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Message)
	assert.Equal(t, "c", all[1].Message)
	assert.Equal(t, "WRN", FormatLevel(slog.LevelWarn))
}
