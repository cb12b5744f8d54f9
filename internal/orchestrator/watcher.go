// internal/orchestrator/watcher.go

package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Watcher polls a directory for files and reports each path once. Paths
// that vanish between polls are forgotten, so a seed dropped again after
// removal is reported again.
type Watcher struct {
	dir string

	mu   sync.Mutex
	seen map[string]bool
}

// NewWatcher builds a watcher over dir. The directory does not need to
// exist yet; a missing directory polls as empty.
func NewWatcher(dir string) *Watcher {
	return &Watcher{dir: dir, seen: map[string]bool{}}
}

// Poll scans the directory and returns paths not seen on earlier polls,
// sorted for deterministic intake order.
func (w *Watcher) Poll() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator: scan %s: %w", w.dir, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	current := make(map[string]bool, len(entries))
	var fresh []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		current[path] = true
		if !w.seen[path] {
			fresh = append(fresh, path)
		}
	}
	w.seen = current
	sort.Strings(fresh)
	return fresh, nil
}

// Forget drops one path from the seen set so the next Poll reports it
// again. Intake uses this to retry seeds that failed transiently.
func (w *Watcher) Forget(path string) {
	w.mu.Lock()
	delete(w.seen, path)
	w.mu.Unlock()
}
