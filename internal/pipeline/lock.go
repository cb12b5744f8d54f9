// internal/pipeline/lock.go
//
// Advisory single-writer lock for one job directory. Creating the lock
// directory is the atomic acquire; owner.json inside it records who holds
// the lock so a dead owner can be detected and the lock reclaimed.

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockOwnerFile = "owner.json"

// LockOwner identifies the process holding a job lock.
type LockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname"`
}

// LockHeldError reports an acquire attempt against a live owner.
type LockHeldError struct {
	Owner LockOwner
	Dir   string
}

// Error implements error.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("pipeline: job locked by pid %d on %s since %s",
		e.Owner.PID, e.Owner.Hostname, e.Owner.CreatedAt)
}

// Lock is a held job lock. Release removes it.
type Lock struct {
	dir string
}

// AcquireLock takes the job's worker lock. A lock whose recorded owner is no
// longer alive is reclaimed in place; a live owner yields LockHeldError.
func AcquireLock(job JobDir) (*Lock, error) {
	dir := job.LockPath()
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("pipeline: acquire lock: %w", err)
		}
		owner, readErr := ReadLockOwner(job)
		if readErr == nil && pidAlive(owner.PID) {
			return nil, &LockHeldError{Owner: owner, Dir: dir}
		}
		// The previous owner died without releasing.
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("pipeline: reclaim stale lock: %w", err)
		}
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: acquire lock: %w", err)
		}
	}

	owner := LockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("pipeline: encode lock owner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, lockOwnerFile), append(data, '\n'), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("pipeline: write lock owner: %w", err)
	}
	return &Lock{dir: dir}, nil
}

// Release removes the owner record and the lock directory. Releasing an
// already-released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	dir := l.dir
	l.dir = ""
	_ = os.Remove(filepath.Join(dir, lockOwnerFile))
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pipeline: release lock: %w", err)
	}
	return nil
}

// ReadLockOwner loads the owner record of an existing lock.
func ReadLockOwner(job JobDir) (LockOwner, error) {
	data, err := os.ReadFile(filepath.Join(job.LockPath(), lockOwnerFile))
	if err != nil {
		return LockOwner{}, fmt.Errorf("pipeline: read lock owner: %w", err)
	}
	var owner LockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return LockOwner{}, fmt.Errorf("pipeline: decode lock owner: %w", err)
	}
	return owner, nil
}

// Locked reports whether a lock directory exists, live or stale.
func Locked(job JobDir) bool {
	info, err := os.Stat(job.LockPath())
	return err == nil && info.IsDir()
}

// LockIsStale reports whether an existing lock belongs to a dead process.
// An unreadable owner record also counts as stale.
func LockIsStale(job JobDir) bool {
	if !Locked(job) {
		return false
	}
	owner, err := ReadLockOwner(job)
	if err != nil {
		return true
	}
	return !pidAlive(owner.PID)
}

// ReclaimLock force-removes a lock whose owner is gone. A live owner yields
// LockHeldError.
func ReclaimLock(job JobDir) error {
	owner, err := ReadLockOwner(job)
	if err == nil && pidAlive(owner.PID) {
		return &LockHeldError{Owner: owner, Dir: job.LockPath()}
	}
	if err := os.RemoveAll(job.LockPath()); err != nil {
		return fmt.Errorf("pipeline: reclaim lock: %w", err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
