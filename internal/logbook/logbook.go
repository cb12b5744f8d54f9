package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logbook persists orchestrator and worker progress to a plain text file.
// Every method tolerates a nil receiver so callers can log unconditionally
// before the logbook is wired up.
type Logbook struct {
	mu   sync.Mutex
	path string
}

// New creates a logbook backed by path, creating parent directories as
// needed.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.append("INFO", fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.append("WARN", fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.append("ERROR", fmt.Sprintf(format, args...))
}

// append serializes one timestamped line. Write failures are dropped; the
// logbook is diagnostic only.
func (l *Logbook) append(level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %-5s %s\n",
		time.Now().UTC().Format(time.RFC3339), level, strings.TrimSpace(message))
}

// Tail returns up to maxLines of the most recent entries plus the total
// number of lines on disk.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}
