// Package output provides utilities for consistent CLI output formatting.
package output

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// IsTTY returns true if stdout is connected to a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// MarshalJSON marshals v to JSON with formatting based on TTY detection.
// When stdout is a TTY, output is pretty-printed with 2-space indentation.
// When piped or redirected, output is compact single-line JSON.
func MarshalJSON(v any) ([]byte, error) {
	return MarshalJSONPretty(v, IsTTY())
}

// MarshalJSONPretty marshals v to JSON with explicit formatting control.
func MarshalJSONPretty(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// LineWriter writes one compact JSON document per line. It is safe for
// concurrent use.
type LineWriter struct {
	mu    sync.Mutex
	w     io.Writer
	count int64
}

// NewLineWriter creates a LineWriter over w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write marshals v and appends a newline.
func (lw *LineWriter) Write(v any) error {
	data, err := MarshalJSONPretty(v, false)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(data); err != nil {
		return err
	}
	lw.count++
	return nil
}

// Count returns the number of records written.
func (lw *LineWriter) Count() int64 {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.count
}
