package util

import (
	"bytes"
	"sync"
)

// TailWriter is an io.Writer that retains the most recent lines written
// through it. Tee the process log into one so diagnostics can include the
// tail without re-reading log files.
type TailWriter struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial bytes.Buffer
}

// NewTailWriter retains up to max lines.
func NewTailWriter(max int) *TailWriter {
	if max <= 0 {
		max = 50
	}
	return &TailWriter{max: max}
}

// Write implements io.Writer. Never returns an error.
func (w *TailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			w.appendLine(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

func (w *TailWriter) appendLine(line string) {
	w.lines = append(w.lines, line)
	if len(w.lines) > w.max {
		w.lines = w.lines[len(w.lines)-w.max:]
	}
}

// Lines returns a copy of the retained tail, oldest first.
func (w *TailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}
