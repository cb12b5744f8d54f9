// internal/pipeline/tree.go
//
// Defines the pipeline-data directory structure and file constants.
// The tree is the authoritative persisted state: a job's lifecycle stage is
// the queue directory it currently lives in.

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Queue directory names within the data dir.
const (
	DirPending  = "pending"
	DirCurrent  = "current"
	DirComplete = "complete"
	DirRejected = "rejected"
)

// File and directory names within one job directory.
const (
	FileSeed   = "seed.json"
	FileStatus = "tasks-status.json"
	DirTasks   = "tasks"
	DirFiles   = "files"
	LockDir    = ".worker.lock"
)

// Scoped subdirectories under tasks/<task>/files/.
const (
	DirArtifacts = "artifacts"
	DirLogs      = "logs"
	DirTmp       = "tmp"
)

// SeedSuffix terminates every valid pending seed filename.
const SeedSuffix = "-seed.json"

// Tree manages the queue directory structure rooted at the data dir.
type Tree struct {
	root string
}

// NewTree creates a tree manager for the given data dir.
func NewTree(root string) *Tree {
	return &Tree{root: root}
}

// Root returns the data dir path.
func (t *Tree) Root() string {
	return t.root
}

// PendingDir returns the queue of seed files awaiting intake.
func (t *Tree) PendingDir() string {
	return filepath.Join(t.root, DirPending)
}

// CurrentDir returns the directory of jobs being worked.
func (t *Tree) CurrentDir() string {
	return filepath.Join(t.root, DirCurrent)
}

// CompleteDir returns the directory of finished jobs.
func (t *Tree) CompleteDir() string {
	return filepath.Join(t.root, DirComplete)
}

// RejectedDir returns the directory of jobs whose seeds failed intake.
func (t *Tree) RejectedDir() string {
	return filepath.Join(t.root, DirRejected)
}

// EnsureLayout creates the four queue directories.
func (t *Tree) EnsureLayout() error {
	dirs := []string{
		t.PendingDir(),
		t.CurrentDir(),
		t.CompleteDir(),
		t.RejectedDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pipeline: ensure %s: %w", dir, err)
		}
	}
	return nil
}

// PendingSeedPath returns where a seed for the given job id would sit.
func (t *Tree) PendingSeedPath(jobID string) string {
	return filepath.Join(t.PendingDir(), jobID+SeedSuffix)
}

// Job returns the handle for a job directory under current/.
func (t *Tree) Job(jobID string) JobDir {
	return JobDir{id: jobID, path: filepath.Join(t.CurrentDir(), jobID)}
}

// CompletedJob returns the handle for a job directory under complete/.
func (t *Tree) CompletedJob(jobID string) JobDir {
	return JobDir{id: jobID, path: filepath.Join(t.CompleteDir(), jobID)}
}

// RejectedJob returns the handle for a job directory under rejected/.
func (t *Tree) RejectedJob(jobID string) JobDir {
	return JobDir{id: jobID, path: filepath.Join(t.RejectedDir(), jobID)}
}

// MoveToComplete relocates a finished job out of current/ in one rename.
func (t *Tree) MoveToComplete(jobID string) error {
	return t.move(jobID, t.CompleteDir())
}

// MoveToRejected relocates a failed-intake job out of current/ in one rename.
func (t *Tree) MoveToRejected(jobID string) error {
	return t.move(jobID, t.RejectedDir())
}

func (t *Tree) move(jobID, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: ensure %s: %w", destDir, err)
	}
	src := filepath.Join(t.CurrentDir(), jobID)
	dst := filepath.Join(destDir, jobID)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("pipeline: move job %s: %w", jobID, err)
	}
	return nil
}

// ListJobs returns the job ids present in one queue directory, in lexical
// order. A missing directory yields an empty list.
func ListJobs(queueDir string) ([]string, error) {
	entries, err := os.ReadDir(queueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pipeline: read %s: %w", queueDir, err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
