// internal/orchestrator/restart.go

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/task"
)

var (
	// ErrUnknownJob reports a restart for a job id with no directory
	// under current/.
	ErrUnknownJob = errors.New("orchestrator: unknown job")

	// ErrUnknownTask reports a fromTask the job's seed does not define.
	ErrUnknownTask = errors.New("orchestrator: unknown task")

	// ErrIntakeInFlight reports a restart that raced the job's initial
	// intake.
	ErrIntakeInFlight = errors.New("orchestrator: job intake in flight")
)

// Restart deterministically re-runs a job. With no fromTask the whole job
// is reset to a clean slate and a worker starts from the first task. With
// fromTask only that task's record and files are reset and the worker is
// told to begin there; single additionally stops it after that one task.
//
// A live worker for the job is terminated first, so restart always wins
// over an in-progress run.
func (o *Orchestrator) Restart(jobID, fromTask string, single bool) error {
	o.mu.Lock()
	busy := o.intaking[jobID]
	o.mu.Unlock()
	if busy {
		return ErrIntakeInFlight
	}

	job := o.tree.Job(jobID)
	if !job.Exists() {
		return ErrUnknownJob
	}

	if fromTask != "" {
		seed, err := task.LoadSeed(job.SeedPath())
		if err != nil {
			return fmt.Errorf("orchestrator: restart %s: %w", jobID, err)
		}
		if _, ok := seed.Task(fromTask); !ok {
			return fmt.Errorf("%w: job %s has no task %q", ErrUnknownTask, jobID, fromTask)
		}
	}

	o.workers.Stop(jobID)

	if pipeline.Locked(job) {
		if !pipeline.LockIsStale(job) {
			owner, err := pipeline.ReadLockOwner(job)
			if err != nil {
				return fmt.Errorf("orchestrator: job %s is locked: %w", jobID, err)
			}
			return &pipeline.LockHeldError{Owner: owner, Dir: job.LockPath()}
		}
		if err := pipeline.ReclaimLock(job); err != nil {
			return fmt.Errorf("orchestrator: reclaim lock for %s: %w", jobID, err)
		}
	}

	if fromTask != "" {
		if _, err := o.store.ResetSingleTask(job.Path(), fromTask); err != nil {
			return err
		}
		o.book.Info("job %s reset from task %s (single=%t)", jobID, fromTask, single)
	} else {
		if _, err := o.store.ResetJobToCleanSlate(job.Path()); err != nil {
			return err
		}
		o.book.Info("job %s reset to a clean slate", jobID)
	}

	return o.launchWorker(jobID, fromTask, fromTask != "" && single)
}
