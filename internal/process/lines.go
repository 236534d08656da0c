package process

import (
	"bytes"
	"sync"
)

// maxLine caps a buffered partial line; longer output is emitted in chunks.
const maxLine = 64 * 1024

// LineWriter splits written bytes into lines (without the trailing newline)
// and hands each to fn. Close flushes a final unterminated line.
type LineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line string)
}

func NewLineWriter(fn func(line string)) *LineWriter { return &LineWriter{fn: fn} }

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLine {
		w.emit(w.buf[:maxLine])
		w.buf = w.buf[maxLine:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

func (w *LineWriter) emit(b []byte) {
	w.fn(string(bytes.TrimSuffix(b, []byte{'\r'})))
}

func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	return nil
}
