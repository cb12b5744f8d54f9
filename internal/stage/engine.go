// internal/stage/engine.go
//
// The Engine drives one task through the fixed stage pipeline. A failure in
// validateStructure or validateQuality opens a bounded refinement round:
// critique and refine become eligible, then execution loops back to
// promptTemplating for another attempt. Every other failure is fatal at the
// stage that raised it.

package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kingrea/The-Kiln/internal/status"
)

const defaultMaxRefinementLoops = 2

// LogEntry is one executed stage in the run transcript.
type LogEntry struct {
	Stage string `json:"stage"`
	OK    bool   `json:"ok"`
	Ms    int64  `json:"ms"`
}

// StageEvent describes one executed stage for observers. LogFile is the
// capture file name; MarkerFile is set only when the completion marker was
// written.
type StageEvent struct {
	Task       string
	Stage      string
	OK         bool
	Ms         int64
	LogFile    string
	MarkerFile string
}

// Observer receives stage lifecycle callbacks during a run. Implementations
// must not block; they run on the engine's goroutine.
type Observer interface {
	StageStarted(task, stage string)
	StageFinished(ev StageEvent)
}

// RunResult is the outcome of one task run.
type RunResult struct {
	OK                 bool
	Context            *Context
	Logs               []LogEntry
	RefinementAttempts int
	FailedStage        string
	Err                error
}

// Engine executes task modules.
type Engine struct {
	maxLoops int
	clock    func() time.Time
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRefinementLoops bounds how many validation failures a task may
// recover from. Values below one keep the default.
func WithMaxRefinementLoops(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxLoops = n
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithObserver registers a stage lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New builds an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		maxLoops: defaultMaxRefinementLoops,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTask executes mod against sc through the fixed pipeline and reports
// the outcome. The context carries the accumulated data and flags on both
// success and failure.
func (e *Engine) RunTask(ctx context.Context, mod Module, sc *Context) RunResult {
	pl := Pipeline()
	pos := make(map[string]int, len(pl))
	for i, d := range pl {
		pos[d.Name] = i
	}

	res := RunResult{Context: sc}
	refining := false

	i := 0
	for i < len(pl) {
		d := pl[i]

		if err := ctx.Err(); err != nil {
			res.FailedStage = d.Name
			res.Err = &StageError{Stage: d.Name, Err: err}
			return res
		}

		if d.gate != nil && !d.gate(sc.Flags) {
			i = e.advance(pl, pos, i, &refining)
			continue
		}
		fn, ok := d.resolve(mod)
		if !ok {
			i = e.advance(pl, pos, i, &refining)
			continue
		}

		entry, err := e.runStage(ctx, d.Name, fn, sc)
		res.Logs = append(res.Logs, entry)

		if err != nil {
			if recoverable(d.Name, err) {
				res.RefinementAttempts++
				res.FailedStage = d.Name
				res.Err = err
				if res.RefinementAttempts > e.maxLoops {
					return res
				}
				e.openRefinementRound(sc, err)
				refining = true
				// Control moves straight to critique. Running the other
				// validator against output the round is already refining
				// would burn a second attempt on the same defect; the
				// refined output gets the full validator pass on re-entry.
				i = pos[StageCritique]
				continue
			}
			res.FailedStage = d.Name
			res.Err = wrapFatal(d.Name, err)
			return res
		}

		// A validation pass outside an open round means the task has
		// converged; drop the loop signals so critique and refine stay
		// gated off.
		if !refining && (d.Name == StageValidateStructure || d.Name == StageValidateQuality) {
			sc.Flags.clearRefinementSignals()
		}

		i = e.advance(pl, pos, i, &refining)
	}

	res.OK = true
	res.FailedStage = ""
	res.Err = nil
	return res
}

// advance steps to the next stage. Passing the refine position while a
// refinement round is open loops execution back to promptTemplating, never
// to ingestion.
func (e *Engine) advance(pl []Descriptor, pos map[string]int, i int, refining *bool) int {
	if pl[i].Name == StageRefine && *refining {
		*refining = false
		return pos[StagePromptTemplating]
	}
	return i + 1
}

// openRefinementRound records the validation failure in the flags so the
// critique stage can see it.
func (e *Engine) openRefinementRound(sc *Context, err error) {
	info := Normalize(err)
	// Both keys were first set with these kinds, so the merges cannot
	// conflict.
	_ = sc.Flags.Set(FlagValidationFailed, true)
	_ = sc.Flags.Set(FlagLastValidationError, errorFlagValue(info))
}

// runStage invokes one stage with its console capture scoped to the call:
// the capture is always released on every exit path, including panics. The
// completion marker is written only after the result merged cleanly.
func (e *Engine) runStage(ctx context.Context, name string, fn Func, sc *Context) (LogEntry, error) {
	start := e.clock()
	if e.observer != nil {
		e.observer.StageStarted(sc.Task, name)
	}

	ev := StageEvent{Task: sc.Task, Stage: name}
	err := func() (err error) {
		if sc.IO != nil {
			f, logName, openErr := sc.IO.OpenStageLog(name)
			if openErr != nil {
				return openErr
			}
			ev.LogFile = logName
			restore := sc.redirect(f)
			defer func() {
				restore()
				f.Close()
			}()
		}

		defer func() {
			if r := recover(); r != nil {
				err = &StageError{
					Stage: name,
					Err:   fmt.Errorf("panic: %v", r),
					Stack: string(debug.Stack()),
				}
			}
		}()

		res, err := fn(ctx, sc)
		if err != nil {
			return err
		}
		return sc.mergeResult(res)
	}()

	if err == nil && sc.IO != nil {
		var markerErr error
		ev.MarkerFile, markerErr = sc.IO.WriteStageMarker(name, status.Timestamp(e.clock()))
		if markerErr != nil {
			err = markerErr
			ev.MarkerFile = ""
		}
	}

	ev.OK = err == nil
	ev.Ms = e.clock().Sub(start).Milliseconds()
	if e.observer != nil {
		e.observer.StageFinished(ev)
	}
	return LogEntry{Stage: name, OK: ev.OK, Ms: ev.Ms}, err
}

// recoverable reports whether an error opens a refinement round: only
// ValidationError, and only from the two validation stages.
func recoverable(stageName string, err error) bool {
	if stageName != StageValidateStructure && stageName != StageValidateQuality {
		return false
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}

func wrapFatal(stageName string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stageName, Err: err}
}
