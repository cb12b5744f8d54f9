// internal/artifact/scope.go
//
// A Scope confines every file a stage produces to one task's files/
// directory and mirrors each artifact and log into the job's status
// document, so the status file stays the single inventory of what a job
// has written.

package artifact

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
)

// Scope grants one task read/write access beneath its own files/ tree.
type Scope struct {
	job  pipeline.JobDir
	task pipeline.TaskDir

	store *status.Store

	mu sync.Mutex
	db *dbHandle
}

// NewScope binds a task's file tree to the store that records its output.
// A nil store disables status recording, which the tests use.
func NewScope(store *status.Store, job pipeline.JobDir, taskName string) *Scope {
	return &Scope{
		job:   job,
		task:  job.Task(taskName),
		store: store,
	}
}

// TaskName returns the task this scope belongs to.
func (s *Scope) TaskName() string { return s.task.Name() }

// EnsureLayout creates the artifacts, logs and tmp directories.
func (s *Scope) EnsureLayout() error {
	return s.task.EnsureLayout()
}

// ArtifactPath resolves a name inside the artifacts directory without
// touching the filesystem.
func (s *Scope) ArtifactPath(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.task.ArtifactsDir(), clean), nil
}

// WriteArtifact stores a durable output file and records it in the status
// document at both the task and job level.
func (s *Scope) WriteArtifact(name string, data []byte) (string, error) {
	return s.write(pipeline.DirArtifacts, s.task.ArtifactsDir(), name, data)
}

// ReadArtifact loads a previously written artifact.
func (s *Scope) ReadArtifact(name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(s.task.ArtifactsDir(), clean)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fsErr("read", full, err)
	}
	return data, nil
}

// WriteTmp stores a scratch file. Tmp files are recorded so a cleanup pass
// can find them, but they carry no durability promise.
func (s *Scope) WriteTmp(name string, data []byte) (string, error) {
	return s.write(pipeline.DirTmp, s.task.TmpDir(), name, data)
}

// OpenStageLog opens the capture file for one stage in append mode, creating
// it on first use. The returned name is the bare file name used as the log
// metadata key.
func (s *Scope) OpenStageLog(stage string) (*os.File, string, error) {
	full := s.task.StageLogPath(stage)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, "", fsErr("mkdir", filepath.Dir(full), err)
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fsErr("open", full, err)
	}
	return f, filepath.Base(full), nil
}

// WriteStageMarker drops the completion marker for a stage. The marker body
// is the completion timestamp.
func (s *Scope) WriteStageMarker(stage, stamp string) (string, error) {
	full := s.task.StageCompleteLogPath(stage)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fsErr("mkdir", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, []byte(stamp+"\n"), 0o644); err != nil {
		return "", fsErr("write", full, err)
	}
	return filepath.Base(full), nil
}

// StageLogName returns the capture file name for a stage.
func (s *Scope) StageLogName(stage string) string {
	return filepath.Base(s.task.StageLogPath(stage))
}

// StageMarkerName returns the completion marker file name for a stage.
func (s *Scope) StageMarkerName(stage string) string {
	return filepath.Base(s.task.StageCompleteLogPath(stage))
}

// Close releases resources held by the scope, currently the database handle.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.close()
	s.db = nil
	return err
}

func (s *Scope) write(sub, dir, name string, data []byte) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fsErr("mkdir", dir, err)
	}
	full := filepath.Join(dir, clean)

	tmp, err := os.CreateTemp(dir, "."+clean+".*")
	if err != nil {
		return "", fsErr("create", full, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fsErr("write", full, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fsErr("chmod", full, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fsErr("close", full, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return "", fsErr("rename", full, err)
	}

	if err := s.record(sub, clean); err != nil {
		return "", err
	}
	return full, nil
}

// record mirrors a new file into the status document. The task entry keeps
// the bare name; the job entry keeps the path relative to the job directory.
func (s *Scope) record(sub, name string) error {
	if s.store == nil {
		return nil
	}
	rel := path.Join(pipeline.DirTasks, s.task.Name(), pipeline.DirFiles, sub, name)
	_, err := s.store.Write(s.job.Path(), func(doc *status.Job) error {
		ts := doc.Task(s.task.Name())
		switch sub {
		case pipeline.DirArtifacts:
			ts.Files.AddArtifact(name)
			doc.Files.AddArtifact(rel)
		case pipeline.DirLogs:
			ts.Files.AddLog(name)
			doc.Files.AddLog(rel)
		case pipeline.DirTmp:
			ts.Files.AddTmp(name)
			doc.Files.AddTmp(rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifact: record %s: %w", name, err)
	}
	return nil
}

// cleanName rejects anything that is not a bare file name, closing off path
// escapes out of the scope.
func cleanName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("artifact: empty file name")
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("artifact: invalid file name %q", name)
	}
	return name, nil
}
