package logging

import (
	"io"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single console line
	// before truncation.
	MaxLineLength = 4096

	// DefaultTailLines is the default ring size for recent console
	// lines.
	DefaultTailLines = 100
)

// TailWriter is an io.Writer that keeps the most recent console lines
// in a ring buffer. The console driver writes raw guest output into
// it; the dashboard and failure reporting read the tail back out.
// Safe for one writer and concurrent readers.
type TailWriter struct {
	next io.Writer // optional passthrough, may be nil

	mu      sync.Mutex
	buffer  []string
	bufIdx  int
	partial []byte
}

// NewTailWriter creates a TailWriter holding up to n lines. Writes
// are forwarded to next when it is non-nil.
func NewTailWriter(n int, next io.Writer) *TailWriter {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &TailWriter{
		next:   next,
		buffer: make([]string, n),
	}
}

// Write splits p into lines and stores them. Always reports the full
// write: console capture must never stall the reader.
func (w *TailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	for _, b := range p {
		switch b {
		case '\n':
			w.pushLocked(string(w.partial))
			w.partial = w.partial[:0]
		case '\r':
			// Serial consoles end lines with \r\n; bare \r also
			// appears for in-place updates. Either way the line is
			// finished.
			if len(w.partial) > 0 {
				w.pushLocked(string(w.partial))
				w.partial = w.partial[:0]
			}
		default:
			if len(w.partial) < MaxLineLength {
				w.partial = append(w.partial, b)
			}
		}
	}
	w.mu.Unlock()

	if w.next != nil {
		w.next.Write(p)
	}
	return len(p), nil
}

func (w *TailWriter) pushLocked(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	w.buffer[w.bufIdx] = line
	w.bufIdx = (w.bufIdx + 1) % len(w.buffer)
}

// RecentLines returns up to n of the most recent complete lines,
// oldest first. Blank lines are dropped.
func (w *TailWriter) RecentLines(n int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := len(w.buffer)
	if n > size {
		n = size
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (w.bufIdx - n + i + size) % size
		if strings.TrimSpace(w.buffer[idx]) != "" {
			lines = append(lines, w.buffer[idx])
		}
	}
	return lines
}
