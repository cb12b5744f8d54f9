// internal/status/store.go
//
// Crash-safe persistence for tasks-status.json. Every mutation goes through
// Write, which serializes callers per job directory and replaces the file
// atomically so readers never observe a torn document.

package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/The-Kiln/internal/pipeline"
)

// ErrNotFound is returned by Load when a job has no persisted status yet.
var ErrNotFound = errors.New("status: not found")

// ChangeEvent is the compact notification emitted after each successful
// write. It carries enough for a subscriber to decide whether to re-read.
type ChangeEvent struct {
	JobID        string   `json:"jobId"`
	State        JobState `json:"state"`
	Current      string   `json:"current,omitempty"`
	CurrentStage string   `json:"currentStage,omitempty"`
	LastUpdated  string   `json:"lastUpdated"`
}

// Notifier receives change events; delivery is best-effort and must never
// block for long.
type Notifier func(ChangeEvent)

// Store serializes and persists job status documents.
type Store struct {
	mu    sync.Mutex
	lanes map[string]*sync.Mutex

	now    func() time.Time
	notify Notifier
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for createdAt/lastUpdated stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithNotifier installs the change broadcast hook.
func WithNotifier(n Notifier) Option {
	return func(s *Store) {
		s.notify = n
	}
}

// NewStore builds a store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		lanes: map[string]*sync.Mutex{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lane returns the serialization mutex for one job directory.
func (s *Store) lane(jobDir string) *sync.Mutex {
	key := filepath.Clean(jobDir)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lanes[key]
	if !ok {
		m = &sync.Mutex{}
		s.lanes[key] = m
	}
	return m
}

// Write loads the current snapshot (or a fresh skeleton), applies mutate in
// memory, persists atomically, and returns the persisted snapshot. Calls for
// the same job directory never interleave.
func (s *Store) Write(jobDir string, mutate func(*Job) error) (*Job, error) {
	lane := s.lane(jobDir)
	lane.Lock()
	snapshot, event, err := s.writeLocked(jobDir, mutate)
	lane.Unlock()
	if err != nil {
		return nil, err
	}
	// Broadcast outside the lane so a subscriber calling back into the
	// store cannot deadlock; persistence has already succeeded.
	if s.notify != nil {
		s.notify(event)
	}
	return snapshot, nil
}

func (s *Store) writeLocked(jobDir string, mutate func(*Job) error) (*Job, ChangeEvent, error) {
	doc, err := s.read(jobDir)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, ChangeEvent{}, err
		}
		doc = NewJob(filepath.Base(jobDir), s.now())
	}
	if err := mutate(doc); err != nil {
		return nil, ChangeEvent{}, err
	}
	doc.LastUpdated = Timestamp(s.now())

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, ChangeEvent{}, fmt.Errorf("status: encode %s: %w", jobDir, err)
	}
	encoded = append(encoded, '\n')
	if err := replaceFile(filepath.Join(jobDir, pipeline.FileStatus), encoded); err != nil {
		return nil, ChangeEvent{}, err
	}

	// Hand the caller an independent copy so later edits cannot bypass the
	// write lane.
	snapshot := &Job{}
	if err := json.Unmarshal(encoded, snapshot); err != nil {
		return nil, ChangeEvent{}, fmt.Errorf("status: snapshot %s: %w", jobDir, err)
	}
	event := ChangeEvent{
		JobID:        snapshot.ID,
		State:        snapshot.State,
		Current:      snapshot.Current,
		CurrentStage: snapshot.CurrentStage,
		LastUpdated:  snapshot.LastUpdated,
	}
	return snapshot, event, nil
}

// Load reads the persisted snapshot without mutating it.
func (s *Store) Load(jobDir string) (*Job, error) {
	return s.read(jobDir)
}

func (s *Store) read(jobDir string) (*Job, error) {
	path := filepath.Join(jobDir, pipeline.FileStatus)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("status: read %s: %w", path, err)
	}
	doc := &Job{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return doc, nil
}

// replaceFile writes data to a temp file in the target directory and renames
// it over the destination so concurrent readers see old or new, never a mix.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status: ensure %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("status: write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("status: chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("status: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("status: replace %s: %w", path, err)
	}
	return nil
}
