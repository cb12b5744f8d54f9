package logbook

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "logs", "daemon.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 6; i++ {
		book.Info("job digest-%d admitted", i)
	}

	lines, total := book.Tail(2)
	if total != 6 {
		t.Fatalf("total lines = %d, want 6", total)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	for idx, want := range []string{"digest-4", "digest-5"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestAppendRecordsLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Warn("seed %s ignored", "bad name")
	book.Error("worker for %s exited: %v", "digest", "signal: killed")

	lines, total := book.Tail(10)
	if total != 2 {
		t.Fatalf("total lines = %d, want 2", total)
	}
	if !strings.Contains(lines[0], "WARN") || !strings.Contains(lines[0], "seed bad name ignored") {
		t.Fatalf("warn line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR") {
		t.Fatalf("error line = %q", lines[1])
	}
}

func TestNilLogbookIsSafe(t *testing.T) {
	var book *Logbook
	book.Info("ignored")
	if lines, total := book.Tail(5); lines != nil || total != 0 {
		t.Fatalf("nil logbook Tail = %v, %d", lines, total)
	}
}
