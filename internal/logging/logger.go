package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Logger appends timestamped lines to a worker run log so operators can
// inspect a job's progress even after the worker process has exited.
type Logger struct {
	out    io.Writer
	closer io.Closer
}

// Open creates (or reuses) the log file at path, creating parent directories
// as needed.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{out: f, closer: f}, nil
}

// NewWriter wraps an existing stream, typically stdout when the daemon
// captures a worker's output into the job's run log.
func NewWriter(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{out: w}
}

// Close releases the file handle, if the logger owns one.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Printf writes a single timestamped line to the log.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.out, "[%s] %s\n", timestamp, line)
}
