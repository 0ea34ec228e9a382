package logging

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// MaxLineBytes bounds a buffered partial line. Longer lines are logged in
// pieces of this size.
const MaxLineBytes = 4096

// LineWriter turns a byte stream into one log entry per line.
type LineWriter struct {
	mu     sync.Mutex
	logger *zap.Logger
	buf    []byte
}

// NewLineWriter logs each complete line written to it at info level.
func NewLineWriter(logger *zap.Logger) *LineWriter {
	return &LineWriter{logger: logger}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.appendPartial(p)
			break
		}
		w.appendPartial(p[:i])
		w.emit(w.buf)
		w.buf = nil
		p = p[i+1:]
	}
	return n, nil
}

func (w *LineWriter) appendPartial(p []byte) {
	for len(p) > 0 {
		take := min(MaxLineBytes-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		if len(w.buf) == MaxLineBytes {
			w.emit(w.buf)
			w.buf = nil
		}
	}
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info("module diagnostic", zap.ByteString("line", line))
}
