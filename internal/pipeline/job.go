// internal/pipeline/job.go
//
// Path handles for one job directory and the filename rules that admit a
// seed into the queue.

package pipeline

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// seedNamePattern admits pending seed filenames; the job id is the stem.
var seedNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+-seed\.json$`)

// taskNamePattern admits task names inside a seed.
var taskNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSeedName reports whether a pending filename is an acceptable seed.
func ValidSeedName(name string) bool {
	return seedNamePattern.MatchString(name)
}

// JobIDFromSeedName derives the job id from a seed filename. The boolean is
// false when the filename does not match the seed pattern.
func JobIDFromSeedName(name string) (string, bool) {
	if !ValidSeedName(name) {
		return "", false
	}
	return strings.TrimSuffix(name, SeedSuffix), true
}

// ValidTaskName reports whether a task name can be used for directories and
// log file stems.
func ValidTaskName(name string) bool {
	return taskNamePattern.MatchString(name)
}

// JobDir is the handle for one job's directory tree.
type JobDir struct {
	id   string
	path string
}

// JobDirAt wraps an existing job directory path.
func JobDirAt(path string) JobDir {
	return JobDir{id: filepath.Base(path), path: path}
}

// ID returns the job id (the directory name).
func (j JobDir) ID() string {
	return j.id
}

// Path returns the job directory path.
func (j JobDir) Path() string {
	return j.path
}

// SeedPath returns the job's copy of the seed content.
func (j JobDir) SeedPath() string {
	return filepath.Join(j.path, FileSeed)
}

// StatusPath returns the job's tasks-status.json.
func (j JobDir) StatusPath() string {
	return filepath.Join(j.path, FileStatus)
}

// TasksDir returns the parent of all per-task trees.
func (j JobDir) TasksDir() string {
	return filepath.Join(j.path, DirTasks)
}

// LockPath returns the advisory worker lock directory.
func (j JobDir) LockPath() string {
	return filepath.Join(j.path, LockDir)
}

// Task returns the handle for one task's directory tree.
func (j JobDir) Task(name string) TaskDir {
	return TaskDir{task: name, path: filepath.Join(j.TasksDir(), name)}
}

// Exists reports whether the job directory is present on disk.
func (j JobDir) Exists() bool {
	info, err := os.Stat(j.path)
	return err == nil && info.IsDir()
}

// EnsureLayout creates the job directory skeleton (tasks/ included).
func (j JobDir) EnsureLayout() error {
	return os.MkdirAll(j.TasksDir(), 0o755)
}

// TaskDir is the handle for one task's scoped file tree.
type TaskDir struct {
	task string
	path string
}

// Name returns the task name.
func (t TaskDir) Name() string {
	return t.task
}

// Path returns the task directory path.
func (t TaskDir) Path() string {
	return t.path
}

// FilesDir returns the root of the task's scoped files.
func (t TaskDir) FilesDir() string {
	return filepath.Join(t.path, DirFiles)
}

// ArtifactsDir returns the scoped artifact directory.
func (t TaskDir) ArtifactsDir() string {
	return filepath.Join(t.FilesDir(), DirArtifacts)
}

// LogsDir returns the scoped log directory.
func (t TaskDir) LogsDir() string {
	return filepath.Join(t.FilesDir(), DirLogs)
}

// TmpDir returns the scoped scratch directory.
func (t TaskDir) TmpDir() string {
	return filepath.Join(t.FilesDir(), DirTmp)
}

// EnsureLayout creates the three scoped subdirectories.
func (t TaskDir) EnsureLayout() error {
	for _, dir := range []string{t.ArtifactsDir(), t.LogsDir(), t.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StageLogPath returns the capture file for one stage run.
func (t TaskDir) StageLogPath(stage string) string {
	return filepath.Join(t.LogsDir(), t.task+"-"+stage+".log")
}

// StageCompleteLogPath returns the success marker for one stage run.
func (t TaskDir) StageCompleteLogPath(stage string) string {
	return filepath.Join(t.LogsDir(), t.task+"-"+stage+"-complete.log")
}
