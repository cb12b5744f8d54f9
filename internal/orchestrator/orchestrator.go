// internal/orchestrator/orchestrator.go
//
// The daemon's core loop: watch pending/ for seed files, admit them as
// jobs, spawn one worker process per job, and settle whatever the workers
// leave behind. Status documents are the only channel between the daemon
// and its workers; everything here is reconstructable from the data
// directory after a crash.

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/The-Kiln/internal/config"
	"github.com/kingrea/The-Kiln/internal/logbook"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
)

// defaultWatchInterval paces the pending and status scans when the config
// does not set one.
const defaultWatchInterval = 750 * time.Millisecond

// EventFunc receives job status change notifications.
type EventFunc func(ev status.ChangeEvent)

// SpawnFunc launches one worker process. Tests substitute it to avoid
// forking real binaries.
type SpawnFunc func(spec WorkerSpec) error

// Orchestrator owns seed intake, worker supervision, and the settling of
// jobs whose workers have exited.
type Orchestrator struct {
	cfg      *config.Config
	tree     *pipeline.Tree
	store    *status.Store
	book     *logbook.Logbook
	registry *task.Registry
	watcher  *Watcher
	workers  *Supervisor
	events   EventFunc
	spawn    SpawnFunc
	clock    func() time.Time

	mu       sync.Mutex
	intaking map[string]bool
	lastSeen map[string]string
}

// Option customizes an Orchestrator during construction.
type Option func(*Orchestrator)

// WithEvents installs the sink for job status change events.
func WithEvents(fn EventFunc) Option {
	return func(o *Orchestrator) {
		o.events = fn
	}
}

// WithRegistry lets intake verify that every module a seed names is
// registered before a worker is spawned for it.
func WithRegistry(reg *task.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = reg
	}
}

// WithSpawn replaces the worker launcher.
func WithSpawn(fn SpawnFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.spawn = fn
		}
	}
}

// WithOrchestratorClock overrides the clock used for status stamps.
func WithOrchestratorClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New builds an orchestrator over the given pipeline tree.
func New(cfg *config.Config, tree *pipeline.Tree, store *status.Store, book *logbook.Logbook, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		tree:     tree,
		store:    store,
		book:     book,
		watcher:  NewWatcher(tree.PendingDir()),
		workers:  NewSupervisor(cfg.Worker.GracePeriod.Std()),
		clock:    time.Now,
		intaking: map[string]bool{},
		lastSeen: map[string]string{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.spawn == nil {
		o.spawn = o.workers.Launch
	}
	return o
}

// Workers exposes the supervisor, mainly so callers can report on live
// worker processes.
func (o *Orchestrator) Workers() *Supervisor {
	return o.workers
}

// Run drives the orchestrator until ctx is canceled. On entry it settles
// jobs left over from a previous daemon, then alternates between polling
// the pending queue and draining worker exits.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.tree.EnsureLayout(); err != nil {
		return err
	}
	o.book.Info("orchestrator watching %s", o.tree.PendingDir())
	o.sweepOrphans()

	interval := o.cfg.Watch.Interval.Std()
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.book.Info("orchestrator stopping, terminating %d worker(s)", len(o.workers.RunningJobs()))
			o.workers.StopAll()
			return nil
		case exit := <-o.workers.Exits():
			o.handleWorkerExit(exit)
		case <-ticker.C:
			o.scanPending()
			o.scanStatuses()
		}
	}
}

// scanPending feeds newly observed seed files through intake.
func (o *Orchestrator) scanPending() {
	paths, err := o.watcher.Poll()
	if err != nil {
		o.book.Warn("pending scan: %v", err)
		return
	}
	for _, path := range paths {
		res := o.OnSeedDetected(path)
		switch res.Outcome {
		case IntakeCreated:
			if res.Err != nil {
				o.book.Error("job %s admitted but worker launch failed: %v", res.JobID, res.Err)
			} else {
				o.book.Info("job %s admitted from %s", res.JobID, filepath.Base(path))
			}
		case IntakeDuplicate:
			o.book.Warn("ignoring %s: job %s already exists", filepath.Base(path), res.JobID)
		case IntakeRejectedName:
			o.book.Warn("ignoring %s: seed files must be named <jobId>-seed.json", filepath.Base(path))
		case IntakeRejectedSeed:
			o.book.Warn("job %s rejected: %v", res.JobID, res.Err)
		case IntakeFailed:
			o.book.Error("intake of %s failed: %v", filepath.Base(path), res.Err)
			o.watcher.Forget(path)
		}
	}
}

// scanStatuses diff-polls every status document under current/ and
// publishes a change event when lastUpdated moved. Workers write those
// documents from separate processes, so polling is the only change
// source available to the daemon.
func (o *Orchestrator) scanStatuses() {
	if o.events == nil {
		return
	}
	ids, err := pipeline.ListJobs(o.tree.CurrentDir())
	if err != nil {
		o.book.Warn("status scan: %v", err)
		return
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
		doc, err := o.store.Load(o.tree.Job(id).Path())
		if err != nil {
			continue
		}
		o.mu.Lock()
		changed := o.lastSeen[id] != doc.LastUpdated
		if changed {
			o.lastSeen[id] = doc.LastUpdated
		}
		o.mu.Unlock()
		if changed {
			o.publish(doc)
		}
	}
	o.mu.Lock()
	for id := range o.lastSeen {
		if !live[id] {
			delete(o.lastSeen, id)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publish(doc *status.Job) {
	if o.events == nil || doc == nil {
		return
	}
	o.events(status.ChangeEvent{
		JobID:        doc.ID,
		State:        doc.State,
		Current:      doc.Current,
		CurrentStage: doc.CurrentStage,
		LastUpdated:  doc.LastUpdated,
	})
}

// handleWorkerExit settles a job whose worker process is gone. Workers
// that finish cleanly settle their own status first, so the state found
// on disk decides what happens to the job directory.
func (o *Orchestrator) handleWorkerExit(exit WorkerExit) {
	if o.workers.Running(exit.JobID) {
		// A replacement worker already took over (restart race).
		return
	}
	job := o.tree.Job(exit.JobID)
	if !job.Exists() {
		return
	}
	doc, err := o.store.Load(job.Path())
	if err != nil {
		o.book.Error("worker for %s exited but its status is unreadable: %v", exit.JobID, err)
		return
	}

	switch doc.State {
	case status.JobComplete:
		if err := o.tree.MoveToComplete(exit.JobID); err != nil {
			o.book.Error("move %s to complete: %v", exit.JobID, err)
			return
		}
		o.book.Info("job %s complete", exit.JobID)
		o.publish(doc)
	case status.JobRejected:
		if err := o.tree.MoveToRejected(exit.JobID); err != nil {
			o.book.Error("move %s to rejected: %v", exit.JobID, err)
			return
		}
		o.book.Warn("job %s rejected by its worker", exit.JobID)
		o.publish(doc)
	case status.JobRunning:
		reason := fmt.Sprintf("worker exited unexpectedly (code %d)", exit.ExitCode)
		o.book.Error("job %s: %s", exit.JobID, reason)
		o.settleAbandoned(exit.JobID, reason)
	default:
		// Pending and failed jobs stay in current/ for inspection or a
		// later restart.
	}
}

// settleAbandoned marks a job failed after its worker died without
// settling its own status. Tasks caught mid-run fail with the reason.
func (o *Orchestrator) settleAbandoned(jobID, reason string) {
	job := o.tree.Job(jobID)
	doc, err := o.store.Write(job.Path(), func(doc *status.Job) error {
		doc.State = status.JobFailed
		doc.Current = ""
		doc.CurrentStage = ""
		for _, ts := range doc.Tasks {
			if ts.State != status.TaskRunning {
				continue
			}
			ts.State = status.TaskFailed
			ts.Error = &status.ErrorInfo{Name: "WorkerError", Message: reason}
		}
		if doc.Error == nil {
			doc.Error = &status.ErrorInfo{Name: "WorkerError", Message: reason}
		}
		return nil
	})
	if err != nil {
		o.book.Error("settle %s as failed: %v", jobID, err)
		return
	}
	o.publish(doc)
}

// sweepOrphans reconciles current/ after a daemon restart. Jobs whose
// workers settled a terminal state get moved to their queue; jobs still
// marked running with no live lock are failed. A held lock from a live
// process is left alone.
func (o *Orchestrator) sweepOrphans() {
	ids, err := pipeline.ListJobs(o.tree.CurrentDir())
	if err != nil {
		o.book.Warn("orphan sweep: %v", err)
		return
	}
	for _, id := range ids {
		job := o.tree.Job(id)
		doc, err := o.store.Load(job.Path())
		if err != nil {
			o.book.Warn("orphan sweep: job %s has no readable status: %v", id, err)
			continue
		}
		switch doc.State {
		case status.JobComplete:
			if err := o.tree.MoveToComplete(id); err != nil {
				o.book.Error("orphan sweep: move %s to complete: %v", id, err)
			}
		case status.JobRejected:
			if err := o.tree.MoveToRejected(id); err != nil {
				o.book.Error("orphan sweep: move %s to rejected: %v", id, err)
			}
		case status.JobRunning:
			if pipeline.Locked(job) && !pipeline.LockIsStale(job) {
				// A worker from a previous daemon is still alive; leave
				// it to finish and settle its own status.
				continue
			}
			if pipeline.LockIsStale(job) {
				if err := pipeline.ReclaimLock(job); err != nil {
					o.book.Warn("orphan sweep: reclaim lock for %s: %v", id, err)
				}
			}
			o.book.Warn("orphan sweep: job %s was running with no live worker", id)
			o.settleAbandoned(id, "worker lost across daemon restart")
		}
	}
}

// launchWorker spawns the worker binary for a job. fromTask and single
// translate into the environment contract the worker reads on startup.
func (o *Orchestrator) launchWorker(jobID, fromTask string, single bool) error {
	job := o.tree.Job(jobID)
	dataDir := o.tree.Root()
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}

	env := append(os.Environ(), pipeline.EnvDataDir+"="+dataDir)
	if fromTask != "" {
		env = append(env, pipeline.EnvStartFromTask+"="+fromTask)
		if single {
			env = append(env, pipeline.EnvSingleTask+"=1")
		}
	}

	return o.spawn(WorkerSpec{
		JobID:   jobID,
		Binary:  o.cfg.Worker.Binary,
		Args:    []string{jobID},
		Env:     env,
		LogPath: filepath.Join(job.Path(), pipeline.FileWorkerLog),
	})
}
