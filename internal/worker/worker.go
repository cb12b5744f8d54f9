// internal/worker/worker.go
//
// A worker process owns exactly one job. It takes the job directory lock,
// walks the seed's tasks in order through the stage engine, and persists
// every transition into the status document. The daemon never talks to a
// worker directly; it observes the status file and the process exit code.

package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"runtime/debug"
	"sort"
	"time"

	"github.com/kingrea/The-Kiln/internal/artifact"
	"github.com/kingrea/The-Kiln/internal/config"
	"github.com/kingrea/The-Kiln/internal/llm"
	"github.com/kingrea/The-Kiln/internal/logging"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/stage"
	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
)

// Runner executes one job inside the current worker process.
type Runner struct {
	cfg      *config.Config
	tree     *pipeline.Tree
	store    *status.Store
	registry *task.Registry
	client   llm.Client
	log      *logging.Logger
	clock    func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLLM injects the inference client, replacing the config-built one.
func WithLLM(client llm.Client) Option {
	return func(r *Runner) {
		if client != nil {
			r.client = client
		}
	}
}

// WithLogger redirects the runner's diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithStore substitutes the status store, for tests that need to observe
// or clock the writes.
func WithStore(store *status.Store) Option {
	return func(r *Runner) {
		if store != nil {
			r.store = store
		}
	}
}

// WithRunnerClock overrides the wall clock, for tests.
func WithRunnerClock(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.clock = fn
		}
	}
}

// New builds a Runner over the configured data directory. Unless replaced
// by options, the status store logs every persisted transition through the
// runner's logger, which under the daemon lands in the job's run log.
func New(cfg *config.Config, registry *task.Registry, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		tree:     pipeline.NewTree(cfg.DataDir),
		registry: registry,
		log:      logging.NewWriter(os.Stdout),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.client == nil {
		r.client = llm.New(cfg.LLM)
	}
	if r.store == nil {
		r.store = status.NewStore(status.WithNotifier(func(ev status.ChangeEvent) {
			r.log.Printf("status: job %s state=%s current=%s stage=%s", ev.JobID, ev.State, ev.Current, ev.CurrentStage)
		}))
	}
	return r
}

// Run executes the job's tasks from startFrom (or the beginning) and
// settles the job state from the per-task outcomes. With single set, it
// stops after the first task it actually executes.
//
// The final job state decides what the daemon does with the directory:
// complete and rejected jobs are moved out of current/, failed and pending
// jobs stay put for a later restart.
func (r *Runner) Run(ctx context.Context, jobID, startFrom string, single bool) (err error) {
	job := r.tree.Job(jobID)
	if !job.Exists() {
		return fmt.Errorf("worker: job %s not found under %s", jobID, r.tree.CurrentDir())
	}

	lock, lockErr := pipeline.AcquireLock(job)
	if lockErr != nil {
		return fmt.Errorf("worker: %w", lockErr)
	}
	defer lock.Release()

	defer func() {
		if rec := recover(); rec != nil {
			info := &status.ErrorInfo{
				Name:    "WorkerError",
				Message: fmt.Sprintf("panic: %v", rec),
				Stack:   string(debug.Stack()),
			}
			r.settleFailure(job, info)
			err = fmt.Errorf("worker: job %s panicked: %v", jobID, rec)
		}
	}()

	r.log.Printf("worker: job %s starting (pid %d)", jobID, os.Getpid())

	seed, seedErr := task.LoadSeed(job.SeedPath())
	if seedErr != nil {
		// The seed passed intake once, so a load failure here means it was
		// damaged afterwards. The job is rejected, not failed: there is
		// nothing a plain restart could do differently.
		r.persistRejection(job, seedErr)
		return fmt.Errorf("worker: %w", seedErr)
	}

	names := seed.TaskNames()
	start := 0
	if startFrom != "" {
		start = -1
		for i, name := range names {
			if name == startFrom {
				start = i
				break
			}
		}
		if start < 0 {
			startErr := fmt.Errorf("worker: job %s has no task %q", jobID, startFrom)
			r.settleFailure(job, &status.ErrorInfo{Name: "WorkerError", Message: startErr.Error()})
			return startErr
		}
	}

	if _, werr := r.store.Write(job.Path(), func(doc *status.Job) error {
		doc.State = status.JobRunning
		doc.Error = nil
		for _, name := range names {
			doc.Task(name)
		}
		return nil
	}); werr != nil {
		return fmt.Errorf("worker: mark running: %w", werr)
	}

	for i := start; i < len(seed.Tasks); i++ {
		st := seed.Tasks[i]

		if ctxErr := ctx.Err(); ctxErr != nil {
			if _, serr := r.settle(job, seed); serr != nil {
				r.log.Printf("worker: settle after interrupt: %v", serr)
			}
			return fmt.Errorf("worker: job %s interrupted before task %s: %w", jobID, st.Name, ctxErr)
		}

		doc, loadErr := r.store.Load(job.Path())
		if loadErr != nil {
			return fmt.Errorf("worker: %w", loadErr)
		}
		if rec, ok := doc.Tasks[st.Name]; ok && rec.State == status.TaskDone {
			r.log.Printf("worker: task %s already done, skipping", st.Name)
			continue
		}

		// Predecessors must have finished, except at the explicit entry
		// point of a from-task restart where the operator takes that call.
		entry := startFrom != "" && i == start
		if !entry {
			if blocked := firstUnmetDependency(doc, names, i); blocked != "" {
				depErr := fmt.Errorf("worker: task %s blocked: task %s is %s", st.Name, blocked, doc.Task(blocked).State)
				info := &status.ErrorInfo{Name: "WorkerError", Message: depErr.Error()}
				r.persistTaskRejected(job, st.Name, info)
				r.settleFailure(job, info)
				return depErr
			}
		}

		if runErr := r.runTask(ctx, job, st); runErr != nil {
			r.settleFailure(job, nil)
			return runErr
		}

		if single {
			r.log.Printf("worker: single task mode, stopping after %s", st.Name)
			break
		}
	}

	final, settleErr := r.settle(job, seed)
	if settleErr != nil {
		return fmt.Errorf("worker: settle: %w", settleErr)
	}
	r.log.Printf("worker: job %s settled %s", jobID, final)
	return nil
}

// runTask executes one task through the stage engine and persists its
// outcome. A non-nil return means the task did not reach done.
func (r *Runner) runTask(ctx context.Context, job pipeline.JobDir, st task.SeedTask) error {
	mod, err := r.registry.Resolve(st.Module)
	if err != nil {
		r.persistTaskRejected(job, st.Name, &status.ErrorInfo{Name: "WorkerError", Message: err.Error()})
		return fmt.Errorf("worker: %w", err)
	}

	scope := artifact.NewScope(r.store, job, st.Name)
	if err := scope.EnsureLayout(); err != nil {
		r.persistTaskRejected(job, st.Name, stage.Normalize(err))
		return fmt.Errorf("worker: task %s layout: %w", st.Name, err)
	}
	defer scope.Close()

	startAt := r.clock()
	if _, err := r.store.Write(job.Path(), func(doc *status.Job) error {
		ts := doc.Task(st.Name)
		ts.State = status.TaskRunning
		ts.StartedAt = status.Timestamp(startAt)
		ts.EndedAt = ""
		ts.ExecutionTime = 0
		ts.CurrentStage = ""
		ts.FailedStage = ""
		ts.Error = nil
		doc.Current = st.Name
		doc.CurrentStage = ""
		return nil
	}); err != nil {
		return fmt.Errorf("worker: mark task running: %w", err)
	}

	sc := stage.NewContext(st.Name, st.Input, scope, r.client,
		stage.WithContextClock(r.clock),
		stage.WithUsageRecorder(func(usage status.TokenUsage) {
			if _, uerr := r.store.AppendTokenUsage(job.Path(), st.Name, usage); uerr != nil {
				r.log.Printf("worker: record token usage for %s: %v", st.Name, uerr)
			}
		}),
	)

	engine := stage.New(
		stage.WithMaxRefinementLoops(r.cfg.Engine.MaxRefinementLoops),
		stage.WithClock(r.clock),
		stage.WithObserver(&progressObserver{runner: r, job: job}),
	)

	res := engine.RunTask(ctx, mod, sc)
	endAt := r.clock()

	if res.OK {
		if _, werr := r.store.Write(job.Path(), func(doc *status.Job) error {
			ts := doc.Task(st.Name)
			ts.State = status.TaskDone
			ts.EndedAt = status.Timestamp(endAt)
			ts.ExecutionTime = endAt.Sub(startAt).Milliseconds()
			ts.CurrentStage = ""
			ts.FailedStage = ""
			ts.Error = nil
			ts.RefinementAttempts = res.RefinementAttempts
			doc.CurrentStage = ""
			return nil
		}); werr != nil {
			return fmt.Errorf("worker: persist task result: %w", werr)
		}
		r.log.Printf("worker: task %s done in %dms (%d refinement attempts)",
			st.Name, endAt.Sub(startAt).Milliseconds(), res.RefinementAttempts)
		return nil
	}

	info := stage.Normalize(res.Err)
	if _, werr := r.store.Write(job.Path(), func(doc *status.Job) error {
		ts := doc.Task(st.Name)
		ts.State = status.TaskFailed
		ts.EndedAt = status.Timestamp(endAt)
		ts.ExecutionTime = endAt.Sub(startAt).Milliseconds()
		ts.CurrentStage = ""
		ts.FailedStage = res.FailedStage
		ts.Error = info
		ts.RefinementAttempts = res.RefinementAttempts
		doc.CurrentStage = ""
		return nil
	}); werr != nil {
		return fmt.Errorf("worker: persist task failure: %w", werr)
	}
	return fmt.Errorf("worker: task %s failed at %s: %w", st.Name, res.FailedStage, res.Err)
}

// firstUnmetDependency returns the earliest predecessor of names[i] that is
// not done yet, or "" when the task is clear to run.
func firstUnmetDependency(doc *status.Job, names []string, i int) string {
	for _, name := range names[:i] {
		if rec, ok := doc.Tasks[name]; !ok || rec.State != status.TaskDone {
			return name
		}
	}
	return ""
}

// settle derives the final job state from the per-task outcomes: every
// task done means complete, any failure means failed, and remaining
// pending tasks park the job as pending for a later restart.
func (r *Runner) settle(job pipeline.JobDir, seed *task.Seed) (status.JobState, error) {
	final := status.JobPending
	_, err := r.store.Write(job.Path(), func(doc *status.Job) error {
		allDone := true
		anyBad := false
		for _, name := range seed.TaskNames() {
			switch doc.Task(name).State {
			case status.TaskDone:
			case status.TaskFailed, status.TaskRejected:
				anyBad = true
				allDone = false
			default:
				allDone = false
			}
		}
		switch {
		case anyBad:
			doc.State = status.JobFailed
		case allDone:
			doc.State = status.JobComplete
		default:
			doc.State = status.JobPending
		}
		doc.Current = ""
		doc.CurrentStage = ""
		final = doc.State
		return nil
	})
	return final, err
}

// settleFailure marks the whole job failed. The first failure to land a
// job-level error wins; later settles keep it.
func (r *Runner) settleFailure(job pipeline.JobDir, info *status.ErrorInfo) {
	_, err := r.store.Write(job.Path(), func(doc *status.Job) error {
		doc.State = status.JobFailed
		doc.Current = ""
		doc.CurrentStage = ""
		if doc.Error == nil {
			if info != nil {
				doc.Error = info
			} else {
				doc.Error = firstTaskError(doc)
			}
		}
		return nil
	})
	if err != nil {
		r.log.Printf("worker: settle failure: %v", err)
	}
}

// firstTaskError surfaces a failed task's error at the job level.
func firstTaskError(doc *status.Job) *status.ErrorInfo {
	for _, name := range sortedTaskNames(doc) {
		ts := doc.Tasks[name]
		if ts.Error != nil && (ts.State == status.TaskFailed || ts.State == status.TaskRejected) {
			return ts.Error
		}
	}
	return &status.ErrorInfo{Name: "WorkerError", Message: "job failed"}
}

func sortedTaskNames(doc *status.Job) []string {
	names := make([]string, 0, len(doc.Tasks))
	for name := range doc.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// persistRejection marks the job rejected with the seed failure.
func (r *Runner) persistRejection(job pipeline.JobDir, cause error) {
	_, err := r.store.Write(job.Path(), func(doc *status.Job) error {
		doc.State = status.JobRejected
		doc.Current = ""
		doc.CurrentStage = ""
		doc.Error = &status.ErrorInfo{Name: "SeedError", Message: cause.Error()}
		return nil
	})
	if err != nil {
		r.log.Printf("worker: persist rejection: %v", err)
	}
}

// persistTaskRejected records a task that could not start.
func (r *Runner) persistTaskRejected(job pipeline.JobDir, taskName string, info *status.ErrorInfo) {
	_, err := r.store.Write(job.Path(), func(doc *status.Job) error {
		ts := doc.Task(taskName)
		ts.State = status.TaskRejected
		ts.Error = info
		return nil
	})
	if err != nil {
		r.log.Printf("worker: persist task rejection: %v", err)
	}
}

// progressObserver mirrors stage lifecycle into the status document and
// the run log: the live stage pointer on start, log metadata on finish.
type progressObserver struct {
	runner *Runner
	job    pipeline.JobDir
}

func (o *progressObserver) StageStarted(taskName, stageName string) {
	o.runner.log.Printf("worker: task %s stage %s started", taskName, stageName)
	if _, err := o.runner.store.Write(o.job.Path(), func(doc *status.Job) error {
		doc.CurrentStage = stageName
		doc.Task(taskName).CurrentStage = stageName
		return nil
	}); err != nil {
		o.runner.log.Printf("worker: persist stage start: %v", err)
	}
}

func (o *progressObserver) StageFinished(ev stage.StageEvent) {
	verdict := "ok"
	if !ev.OK {
		verdict = "failed"
	}
	o.runner.log.Printf("worker: task %s stage %s %s (%dms)", ev.Task, ev.Stage, verdict, ev.Ms)

	if ev.LogFile == "" && ev.MarkerFile == "" {
		return
	}
	stamp := status.Timestamp(o.runner.clock())
	if _, err := o.runner.store.Write(o.job.Path(), func(doc *status.Job) error {
		ts := doc.Task(ev.Task)
		if ts.LogMetadata == nil {
			ts.LogMetadata = map[string]status.LogMeta{}
		}
		if doc.LogMetadata == nil {
			doc.LogMetadata = map[string]status.LogMeta{}
		}
		record := func(file string) {
			if file == "" {
				return
			}
			meta := status.LogMeta{Task: ev.Task, Stage: ev.Stage, File: file, CreatedAt: stamp}
			ts.LogMetadata[file] = meta
			ts.Files.AddLog(file)
			rel := path.Join(pipeline.DirTasks, ev.Task, pipeline.DirFiles, pipeline.DirLogs, file)
			doc.LogMetadata[rel] = meta
			doc.Files.AddLog(rel)
		}
		record(ev.LogFile)
		record(ev.MarkerFile)
		return nil
	}); err != nil {
		o.runner.log.Printf("worker: persist stage logs: %v", err)
	}
}
