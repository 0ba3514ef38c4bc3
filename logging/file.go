// Package logging provides the general application log and the filtered
// debug log used by the parser, the PLC client and the publishers.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// FileLogger writes timestamped log lines to a file or another writer.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a logger that appends to the file at path,
// creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{w: file, closer: file}, nil
}

// NewWriterLogger creates a logger on an existing writer such as os.Stderr.
// Close does not close the writer.
func NewWriterLogger(w io.Writer) *FileLogger {
	return &FileLogger{w: w}
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	fmt.Fprintf(l.w, "%s %s\n", time.Now().Format(timestampFormat), fmt.Sprintf(format, args...))
}

// Error logs err with the operation that produced it.
func (l *FileLogger) Error(op string, err error) {
	l.Log("ERROR %s: %v", op, err)
}

// Close closes the underlying file. Calling it twice is harmless.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
