// Package logfile provides a size-capped log file that rotates once: the
// current file moves aside to "<name>.old" and a fresh one starts.
package logfile

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const defaultMaxBytes = 1 << 20

// Writer appends timestamped lines to a file, rotating when the cap is hit.
// It satisfies the engine's Logger interface directly.
type Writer struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
	clock    func() time.Time
}

func New(path string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	w := &Writer{path: path, maxBytes: maxBytes, clock: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *Writer) Printf(format string, args ...any) {
	line := fmt.Sprintf("%s %s\n", w.clock().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if w.size+int64(len(line)) > w.maxBytes {
		w.rotate()
	}
	n, err := w.file.WriteString(line)
	if err == nil {
		w.size += int64(n)
	}
}

// rotate best-effort: a failed rename keeps writing to the current file.
func (w *Writer) rotate() {
	w.file.Close()
	w.file = nil
	if err := os.Rename(w.path, w.path+".old"); err != nil && !os.IsNotExist(err) {
		_ = w.open()
		return
	}
	_ = w.open()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
