// internal/orchestrator/intake.go
//
// Seed intake: the transition from a <jobId>-seed.json file in pending/
// to a job directory under current/ with a worker attached. Intake is
// restart-safe at every step: the pending file is only removed after the
// job directory holds both the seed copy and an initial status document.

package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
)

// IntakeOutcome classifies what happened to one detected seed file.
type IntakeOutcome int

const (
	// IntakeCreated means the job was admitted and a worker spawned.
	IntakeCreated IntakeOutcome = iota

	// IntakeDuplicate means a job with this id already exists somewhere
	// in the pipeline. The seed file is left untouched.
	IntakeDuplicate

	// IntakeRejectedName means the file is not named <jobId>-seed.json.
	// The file is left untouched.
	IntakeRejectedName

	// IntakeRejectedSeed means the seed content failed validation. The
	// job landed in rejected/ with the reason persisted in its status.
	IntakeRejectedSeed

	// IntakeFailed means a filesystem problem interrupted intake. The
	// seed stays in pending/ so a later poll can retry it.
	IntakeFailed
)

func (o IntakeOutcome) String() string {
	switch o {
	case IntakeCreated:
		return "created"
	case IntakeDuplicate:
		return "duplicate"
	case IntakeRejectedName:
		return "rejected-name"
	case IntakeRejectedSeed:
		return "rejected-seed"
	case IntakeFailed:
		return "failed"
	}
	return fmt.Sprintf("IntakeOutcome(%d)", int(o))
}

// IntakeResult reports the outcome of one seed file.
type IntakeResult struct {
	Outcome IntakeOutcome
	JobID   string
	Err     error
}

// OnSeedDetected runs intake for one seed file found in pending/. It is
// safe for concurrent use across distinct job ids; a second call for the
// same id while the first is in flight reports a duplicate.
func (o *Orchestrator) OnSeedDetected(path string) IntakeResult {
	jobID, ok := pipeline.JobIDFromSeedName(filepath.Base(path))
	if !ok {
		return IntakeResult{Outcome: IntakeRejectedName}
	}

	if !o.beginIntake(jobID) {
		return IntakeResult{Outcome: IntakeDuplicate, JobID: jobID}
	}
	defer o.endIntake(jobID)

	if o.jobExists(jobID) {
		return IntakeResult{Outcome: IntakeDuplicate, JobID: jobID}
	}
	return o.admitSeed(path, jobID)
}

// beginIntake reserves a job id for the duration of one intake, so two
// polls racing on the same seed cannot both materialize it.
func (o *Orchestrator) beginIntake(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.intaking[jobID] {
		return false
	}
	o.intaking[jobID] = true
	return true
}

func (o *Orchestrator) endIntake(jobID string) {
	o.mu.Lock()
	delete(o.intaking, jobID)
	o.mu.Unlock()
}

// jobExists reports whether a job id is already taken: a live worker, or
// a directory in current/, complete/, or rejected/.
func (o *Orchestrator) jobExists(jobID string) bool {
	if o.workers.Running(jobID) {
		return true
	}
	if o.tree.Job(jobID).Exists() {
		return true
	}
	if o.tree.CompletedJob(jobID).Exists() {
		return true
	}
	return o.tree.RejectedJob(jobID).Exists()
}

// admitSeed materializes the job directory, validates the seed document,
// persists the initial status, removes the pending file, and spawns a
// worker. A launch failure still counts as created; the job sits pending
// in current/ where a restart can pick it up.
func (o *Orchestrator) admitSeed(path, jobID string) IntakeResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return IntakeResult{Outcome: IntakeFailed, JobID: jobID, Err: fmt.Errorf("orchestrator: read seed: %w", err)}
	}

	job := o.tree.Job(jobID)
	if err := job.EnsureLayout(); err != nil {
		return IntakeResult{Outcome: IntakeFailed, JobID: jobID, Err: err}
	}
	if err := os.WriteFile(job.SeedPath(), data, 0o644); err != nil {
		os.RemoveAll(job.Path())
		return IntakeResult{Outcome: IntakeFailed, JobID: jobID, Err: fmt.Errorf("orchestrator: copy seed: %w", err)}
	}

	seed, perr := task.ParseSeed(data)
	if perr == nil {
		perr = o.checkModules(seed)
	}
	if perr != nil {
		return o.rejectSeed(path, jobID, perr)
	}

	if _, werr := o.store.Write(job.Path(), func(doc *status.Job) error {
		doc.Name = seed.Name
		if doc.Name == "" {
			doc.Name = jobID
		}
		doc.Pipeline = seed.Pipeline
		doc.PipelineID = "pl-" + uuid.NewString()
		doc.State = status.JobPending
		for _, st := range seed.Tasks {
			doc.Task(st.Name)
		}
		return nil
	}); werr != nil {
		os.RemoveAll(job.Path())
		return IntakeResult{Outcome: IntakeFailed, JobID: jobID, Err: werr}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// The copy under current/ is authoritative now; a leftover
		// pending file only trips the duplicate check from here on.
		o.book.Warn("remove pending seed %s: %v", filepath.Base(path), err)
	}

	if err := o.launchWorker(jobID, "", false); err != nil {
		return IntakeResult{Outcome: IntakeCreated, JobID: jobID, Err: err}
	}
	return IntakeResult{Outcome: IntakeCreated, JobID: jobID}
}

// checkModules verifies that every module the seed names is registered,
// so a doomed job is rejected before a worker is spawned for it.
func (o *Orchestrator) checkModules(seed *task.Seed) error {
	if o.registry == nil {
		return nil
	}
	for _, st := range seed.Tasks {
		if !o.registry.Has(st.Module) {
			return fmt.Errorf("task %q uses unknown module %q", st.Name, st.Module)
		}
	}
	return nil
}

// rejectSeed persists the rejection reason and parks the job directory,
// seed copy included, in rejected/ for later inspection.
func (o *Orchestrator) rejectSeed(path, jobID string, cause error) IntakeResult {
	job := o.tree.Job(jobID)
	if _, err := o.store.Write(job.Path(), func(doc *status.Job) error {
		doc.State = status.JobRejected
		doc.Error = &status.ErrorInfo{Name: "SeedError", Message: cause.Error()}
		return nil
	}); err != nil {
		os.RemoveAll(job.Path())
		return IntakeResult{Outcome: IntakeFailed, JobID: jobID, Err: err}
	}
	if err := o.tree.MoveToRejected(jobID); err != nil {
		return IntakeResult{Outcome: IntakeFailed, JobID: jobID, Err: err}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.book.Warn("remove pending seed %s: %v", filepath.Base(path), err)
	}
	return IntakeResult{Outcome: IntakeRejectedSeed, JobID: jobID, Err: cause}
}
