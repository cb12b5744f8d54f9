// internal/orchestrator/supervisor.go
//
// One worker process per job. The supervisor starts workers detached into
// their own process group, captures their combined output into the job's
// worker.log, and reports exits on a channel the orchestrator drains.

package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// exitBuffer bounds how many unprocessed exits the supervisor holds
// before dropping the oldest notification.
const exitBuffer = 64

// stopPollInterval paces the wait inside Stop for a terminated worker to
// leave the running set.
const stopPollInterval = 25 * time.Millisecond

// WorkerSpec describes one worker process launch.
type WorkerSpec struct {
	JobID   string
	Binary  string
	Args    []string
	Env     []string
	LogPath string
}

// WorkerExit reports a supervised worker leaving the running set.
// ExitCode is -1 when the process was killed or never produced one.
type WorkerExit struct {
	JobID    string
	ExitCode int
	Err      error
	At       time.Time
}

// Supervisor tracks at most one live worker per job id.
type Supervisor struct {
	grace time.Duration

	mu      sync.Mutex
	running map[string]*exec.Cmd
	exits   chan WorkerExit
}

// NewSupervisor builds a supervisor whose Stop escalates from SIGTERM to
// SIGKILL after the grace window.
func NewSupervisor(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Supervisor{
		grace:   grace,
		running: map[string]*exec.Cmd{},
		exits:   make(chan WorkerExit, exitBuffer),
	}
}

// Exits returns the channel carrying worker exit notifications.
func (s *Supervisor) Exits() <-chan WorkerExit {
	return s.exits
}

// Launch starts the worker described by spec and supervises it until it
// exits. A second launch for the same job id is refused while the first
// worker is still running.
func (s *Supervisor) Launch(spec WorkerSpec) error {
	if spec.JobID == "" {
		return errors.New("orchestrator: worker spec needs a job id")
	}
	if spec.Binary == "" {
		return errors.New("orchestrator: worker spec needs a binary")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.running[spec.JobID]; dup {
		return fmt.Errorf("orchestrator: worker for job %s already running", spec.JobID)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = spec.Env
	configureWorkerProcess(cmd)

	var logFile *os.File
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("orchestrator: open worker log for job %s: %w", spec.JobID, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("orchestrator: start worker for job %s: %w", spec.JobID, err)
	}
	s.running[spec.JobID] = cmd
	go s.waitWorker(spec.JobID, cmd, logFile)
	return nil
}

func (s *Supervisor) waitWorker(jobID string, cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	if logFile != nil {
		logFile.Close()
	}

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()

	exit := WorkerExit{JobID: jobID, ExitCode: code, Err: err, At: time.Now()}
	select {
	case s.exits <- exit:
	default:
		// A stalled consumer must not wedge worker teardown. Drop the
		// oldest notification to make room.
		select {
		case <-s.exits:
		default:
		}
		select {
		case s.exits <- exit:
		default:
		}
	}
}

// Running reports whether a worker is currently tracked for jobID.
func (s *Supervisor) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// RunningJobs returns the ids of all supervised jobs, sorted.
func (s *Supervisor) RunningJobs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Stop terminates the worker for jobID and blocks until its exit has been
// reaped. Stopping a job with no live worker is a no-op.
func (s *Supervisor) Stop(jobID string) {
	s.mu.Lock()
	cmd := s.running[jobID]
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	terminateWorkerProcess(cmd, s.grace)
	deadline := time.Now().Add(s.grace + 3*time.Second)
	for time.Now().Before(deadline) {
		if !s.Running(jobID) {
			return
		}
		time.Sleep(stopPollInterval)
	}
}

// StopAll terminates every supervised worker.
func (s *Supervisor) StopAll() {
	for _, id := range s.RunningJobs() {
		s.Stop(id)
	}
}
