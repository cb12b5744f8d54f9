// internal/stage/engine_test.go

package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/The-Kiln/internal/artifact"
	"github.com/kingrea/The-Kiln/internal/llm"
	"github.com/kingrea/The-Kiln/internal/pipeline"
)

// fakeModule implements every capability interface and narrows its actual
// stage set to the functions it was given, the way definition-driven
// modules do.
type fakeModule struct {
	name  string
	fns   map[string]Func
	calls []string
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) ImplementsStage(stage string) bool {
	_, ok := m.fns[stage]
	return ok
}

func (m *fakeModule) run(name string, ctx context.Context, sc *Context) (Result, error) {
	m.calls = append(m.calls, name)
	return m.fns[name](ctx, sc)
}

func (m *fakeModule) Ingest(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageIngestion, ctx, sc)
}
func (m *fakeModule) PreProcess(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StagePreProcessing, ctx, sc)
}
func (m *fakeModule) TemplatePrompt(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StagePromptTemplating, ctx, sc)
}
func (m *fakeModule) Infer(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageInference, ctx, sc)
}
func (m *fakeModule) Parse(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageParsing, ctx, sc)
}
func (m *fakeModule) ValidateStructure(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageValidateStructure, ctx, sc)
}
func (m *fakeModule) ValidateQuality(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageValidateQuality, ctx, sc)
}
func (m *fakeModule) Critique(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageCritique, ctx, sc)
}
func (m *fakeModule) Refine(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageRefine, ctx, sc)
}
func (m *fakeModule) ValidateFinal(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageFinalValidation, ctx, sc)
}
func (m *fakeModule) Integrate(ctx context.Context, sc *Context) (Result, error) {
	return m.run(StageIntegration, ctx, sc)
}

func (m *fakeModule) countCalls(stage string) int {
	n := 0
	for _, c := range m.calls {
		if c == stage {
			n++
		}
	}
	return n
}

func okStage(out map[string]any) Func {
	return func(context.Context, *Context) (Result, error) {
		return Result{Output: out}, nil
	}
}

func newTestContext() *Context {
	return NewContext("draft", map[string]any{"topic": "kilns"}, nil, nil)
}

func TestPipelineOrderIsFixed(t *testing.T) {
	want := []string{
		StageIngestion, StagePreProcessing, StagePromptTemplating,
		StageInference, StageParsing, StageValidateStructure,
		StageValidateQuality, StageCritique, StageRefine,
		StageFinalValidation, StageIntegration,
	}
	if got := StageNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("StageNames() = %v", got)
	}

	// Pipeline hands out independent slices.
	a := Pipeline()
	a[0].Name = "mutated"
	if b := Pipeline(); b[0].Name != StageIngestion {
		t.Fatal("Pipeline() must return a fresh slice per call")
	}
}

func TestRunTaskSkipsUnimplementedStages(t *testing.T) {
	mod := &fakeModule{name: "thin", fns: map[string]Func{
		StageIngestion:   okStage(map[string]any{"in": true}),
		StageIntegration: okStage(nil),
	}}

	res := New().RunTask(context.Background(), mod, newTestContext())
	if !res.OK {
		t.Fatalf("RunTask failed: %v", res.Err)
	}
	want := []string{StageIngestion, StageIntegration}
	if !reflect.DeepEqual(mod.calls, want) {
		t.Fatalf("calls = %v, want %v", mod.calls, want)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("logs = %v", res.Logs)
	}
	if res.RefinementAttempts != 0 {
		t.Fatalf("attempts = %d", res.RefinementAttempts)
	}
}

func TestCritiqueStaysGatedWithoutValidationFailure(t *testing.T) {
	mod := &fakeModule{name: "gated", fns: map[string]Func{
		StageIngestion: func(context.Context, *Context) (Result, error) {
			return Result{Flags: map[string]any{"needsRefinement": false}}, nil
		},
		StageCritique: okStage(nil),
	}}

	res := New().RunTask(context.Background(), mod, newTestContext())
	if !res.OK {
		t.Fatalf("RunTask failed: %v", res.Err)
	}
	if mod.countCalls(StageCritique) != 0 {
		t.Fatal("critique must not run without a validation failure")
	}
}

func TestRefinementLoopReturnsToPromptTemplating(t *testing.T) {
	structureCalls := 0
	mod := &fakeModule{name: "looping"}
	mod.fns = map[string]Func{
		StageIngestion:        okStage(nil),
		StagePromptTemplating: okStage(map[string]any{"prompt": "p"}),
		StageInference:        okStage(map[string]any{"raw": "r"}),
		StageValidateStructure: func(context.Context, *Context) (Result, error) {
			structureCalls++
			if structureCalls == 1 {
				return Result{}, NewValidationError("too short", map[string]any{"min": 10})
			}
			return Result{}, nil
		},
		StageCritique: func(_ context.Context, sc *Context) (Result, error) {
			if !sc.Flags.Bool(FlagValidationFailed) {
				return Result{}, errors.New("critique ran without the failure flag")
			}
			if _, ok := sc.Flags.Get(FlagLastValidationError); !ok {
				return Result{}, errors.New("lastValidationError flag missing")
			}
			return Result{Flags: map[string]any{FlagCritique: "tighten the summary"}}, nil
		},
		StageRefine: func(_ context.Context, sc *Context) (Result, error) {
			if !sc.Flags.Truthy(FlagCritique) {
				return Result{}, errors.New("refine ran without critique guidance")
			}
			return Result{Output: map[string]any{"revisionNotes": "tighten the summary"}}, nil
		},
		StageFinalValidation: okStage(nil),
		StageIntegration:     okStage(nil),
	}

	res := New(WithMaxRefinementLoops(2)).RunTask(context.Background(), mod, newTestContext())
	if !res.OK {
		t.Fatalf("RunTask failed: %v", res.Err)
	}
	if res.RefinementAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.RefinementAttempts)
	}

	want := []string{
		StageIngestion, StagePromptTemplating, StageInference,
		StageValidateStructure, // fails, opens the round
		StageCritique, StageRefine,
		StagePromptTemplating, StageInference, // loop re-entry, not ingestion
		StageValidateStructure, // passes
		StageFinalValidation, StageIntegration,
	}
	if !reflect.DeepEqual(mod.calls, want) {
		t.Fatalf("calls = %v\nwant    %v", mod.calls, want)
	}

	// Convergence clears the loop flags so the gates stay shut.
	if res.Context.Flags.Bool(FlagValidationFailed) {
		t.Fatal("validationFailed should be cleared after convergence")
	}
	if res.Context.Flags.Truthy(FlagCritique) {
		t.Fatal("critique guidance should be cleared after convergence")
	}
}

func TestStructureFailureMovesStraightToCritique(t *testing.T) {
	structureCalls := 0
	mod := &fakeModule{name: "twoValidators"}
	mod.fns = map[string]Func{
		StagePromptTemplating: okStage(nil),
		StageValidateStructure: func(context.Context, *Context) (Result, error) {
			structureCalls++
			if structureCalls == 1 {
				return Result{}, NewValidationError("missing title", nil)
			}
			return Result{}, nil
		},
		StageValidateQuality: okStage(nil),
		StageCritique: func(context.Context, *Context) (Result, error) {
			return Result{Flags: map[string]any{FlagCritique: "add a title"}}, nil
		},
		StageRefine: okStage(nil),
	}

	res := New(WithMaxRefinementLoops(2)).RunTask(context.Background(), mod, newTestContext())
	if !res.OK {
		t.Fatalf("RunTask failed: %v", res.Err)
	}
	if res.RefinementAttempts != 1 {
		t.Fatalf("attempts = %d, want 1: one round may not burn two attempts", res.RefinementAttempts)
	}

	// validateQuality judges the refined output only, never the output the
	// open round is about to rework.
	want := []string{
		StagePromptTemplating,
		StageValidateStructure, // fails, opens the round
		StageCritique, StageRefine,
		StagePromptTemplating,
		StageValidateStructure, StageValidateQuality,
	}
	if !reflect.DeepEqual(mod.calls, want) {
		t.Fatalf("calls = %v\nwant    %v", mod.calls, want)
	}
}

func TestRefinementBoundExceededFailsTask(t *testing.T) {
	mod := &fakeModule{name: "stubborn"}
	mod.fns = map[string]Func{
		StagePromptTemplating: okStage(nil),
		StageValidateQuality: func(context.Context, *Context) (Result, error) {
			return Result{}, NewValidationError("still too vague", nil)
		},
		StageCritique: okStage(nil),
		StageRefine:   okStage(nil),
	}

	res := New(WithMaxRefinementLoops(2)).RunTask(context.Background(), mod, newTestContext())
	if res.OK {
		t.Fatal("expected the task to fail")
	}
	if res.RefinementAttempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.RefinementAttempts)
	}
	if res.FailedStage != StageValidateQuality {
		t.Fatalf("failedStage = %q", res.FailedStage)
	}
	var ve *ValidationError
	if !errors.As(res.Err, &ve) {
		t.Fatalf("err = %v, want ValidationError", res.Err)
	}
	// The third failure exits immediately without another critique round.
	if n := mod.countCalls(StageCritique); n != 2 {
		t.Fatalf("critique ran %d times, want 2", n)
	}
}

func TestValidationErrorOutsideValidationStagesIsFatal(t *testing.T) {
	mod := &fakeModule{name: "strictFinal", fns: map[string]Func{
		StageFinalValidation: func(context.Context, *Context) (Result, error) {
			return Result{}, NewValidationError("empty document", nil)
		},
	}}

	res := New().RunTask(context.Background(), mod, newTestContext())
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.RefinementAttempts != 0 {
		t.Fatalf("attempts = %d, want 0", res.RefinementAttempts)
	}
	if res.FailedStage != StageFinalValidation {
		t.Fatalf("failedStage = %q", res.FailedStage)
	}
	var se *StageError
	if !errors.As(res.Err, &se) {
		t.Fatalf("err = %v, want StageError wrapper", res.Err)
	}
}

func TestFatalErrorStopsTheRun(t *testing.T) {
	provider := &llm.ProviderError{Endpoint: "ep", Status: 401, Message: "bad key"}
	mod := &fakeModule{name: "broken", fns: map[string]Func{
		StageIngestion: okStage(nil),
		StageInference: func(context.Context, *Context) (Result, error) {
			return Result{}, provider
		},
		StageValidateStructure: okStage(nil),
	}}

	res := New().RunTask(context.Background(), mod, newTestContext())
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.FailedStage != StageInference {
		t.Fatalf("failedStage = %q", res.FailedStage)
	}
	if mod.countCalls(StageValidateStructure) != 0 {
		t.Fatal("stages after the fatal one must not run")
	}
	if !errors.Is(res.Err, provider) {
		t.Fatalf("err chain lost the provider error: %v", res.Err)
	}
	info := Normalize(res.Err)
	if info.Name != "ProviderError" || info.Debug["stage"] != StageInference {
		t.Fatalf("normalized = %+v", info)
	}
}

func TestFlagKindConflictIsFatal(t *testing.T) {
	mod := &fakeModule{name: "conflicted", fns: map[string]Func{
		StageIngestion: func(context.Context, *Context) (Result, error) {
			return Result{Flags: map[string]any{"score": 10}}, nil
		},
		StagePreProcessing: func(context.Context, *Context) (Result, error) {
			return Result{Flags: map[string]any{"score": "ten"}}, nil
		},
	}}

	res := New().RunTask(context.Background(), mod, newTestContext())
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.FailedStage != StagePreProcessing {
		t.Fatalf("failedStage = %q", res.FailedStage)
	}
	var conflict *FlagTypeConflictError
	if !errors.As(res.Err, &conflict) {
		t.Fatalf("err = %v, want FlagTypeConflictError", res.Err)
	}
	if res.RefinementAttempts != 0 {
		t.Fatal("a flag conflict is not a validation failure")
	}
}

func TestPanicBecomesStageError(t *testing.T) {
	mod := &fakeModule{name: "panics", fns: map[string]Func{
		StageParsing: func(context.Context, *Context) (Result, error) {
			panic("bad index")
		},
	}}

	res := New().RunTask(context.Background(), mod, newTestContext())
	if res.OK {
		t.Fatal("expected failure")
	}
	var se *StageError
	if !errors.As(res.Err, &se) {
		t.Fatalf("err = %v, want StageError", res.Err)
	}
	if se.Stage != StageParsing {
		t.Fatalf("stage = %q", se.Stage)
	}
	if se.Stack == "" {
		t.Fatal("panic must capture a stack")
	}
}

func TestRunTaskHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mod := &fakeModule{name: "never", fns: map[string]Func{
		StageIngestion: okStage(nil),
	}}
	res := New().RunTask(ctx, mod, newTestContext())
	if res.OK {
		t.Fatal("expected failure")
	}
	if len(mod.calls) != 0 {
		t.Fatalf("no stage should run after cancellation, got %v", mod.calls)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestCompleteMarkerOnlyForSucceededStages(t *testing.T) {
	tree := pipeline.NewTree(t.TempDir())
	if err := tree.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	job := tree.Job("job-markers")
	if err := job.EnsureLayout(); err != nil {
		t.Fatalf("job EnsureLayout: %v", err)
	}
	scope := artifact.NewScope(nil, job, "draft")
	if err := scope.EnsureLayout(); err != nil {
		t.Fatalf("scope EnsureLayout: %v", err)
	}

	mod := &fakeModule{name: "half", fns: map[string]Func{
		StageIngestion: func(_ context.Context, sc *Context) (Result, error) {
			sc.Logf("ingesting seed")
			return Result{}, nil
		},
		StageInference: func(_ context.Context, sc *Context) (Result, error) {
			sc.Logf("asking the model")
			return Result{}, fmt.Errorf("connection refused")
		},
	}}

	sc := NewContext("draft", nil, scope, nil)
	res := New().RunTask(context.Background(), mod, sc)
	if res.OK {
		t.Fatal("expected failure at inference")
	}

	task := job.Task("draft")
	mustExist := []string{
		task.StageLogPath(StageIngestion),
		task.StageCompleteLogPath(StageIngestion),
		task.StageLogPath(StageInference),
	}
	for _, p := range mustExist {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}
	mustNotExist := []string{
		task.StageCompleteLogPath(StageInference),
		task.StageLogPath(StagePreProcessing),
		task.StageCompleteLogPath(StagePreProcessing),
	}
	for _, p := range mustNotExist {
		if _, err := os.Stat(p); err == nil {
			t.Errorf("%s must not exist", p)
		}
	}

	data, err := os.ReadFile(task.StageLogPath(StageIngestion))
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if !strings.Contains(string(data), "ingesting seed") {
		t.Fatalf("capture content = %q", data)
	}
}

type recordingObserver struct {
	started  []string
	finished []StageEvent
}

func (o *recordingObserver) StageStarted(_, stage string) {
	o.started = append(o.started, stage)
}

func (o *recordingObserver) StageFinished(ev StageEvent) {
	o.finished = append(o.finished, ev)
}

func TestObserverSeesEveryExecutedStage(t *testing.T) {
	tree := pipeline.NewTree(t.TempDir())
	if err := tree.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	job := tree.Job("job-observer")
	if err := job.EnsureLayout(); err != nil {
		t.Fatalf("job EnsureLayout: %v", err)
	}
	scope := artifact.NewScope(nil, job, "draft")
	if err := scope.EnsureLayout(); err != nil {
		t.Fatalf("scope EnsureLayout: %v", err)
	}

	obs := &recordingObserver{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	eng := New(WithObserver(obs), WithClock(func() time.Time { return now }))

	mod := &fakeModule{name: "observed", fns: map[string]Func{
		StageIngestion: okStage(nil),
	}}
	res := eng.RunTask(context.Background(), mod, NewContext("draft", nil, scope, nil))
	if !res.OK {
		t.Fatalf("RunTask failed: %v", res.Err)
	}

	if !reflect.DeepEqual(obs.started, []string{StageIngestion}) {
		t.Fatalf("started = %v", obs.started)
	}
	if len(obs.finished) != 1 {
		t.Fatalf("finished = %v", obs.finished)
	}
	ev := obs.finished[0]
	if ev.Task != "draft" || ev.Stage != StageIngestion || !ev.OK {
		t.Fatalf("event = %+v", ev)
	}
	if ev.LogFile != "draft-ingestion.log" {
		t.Fatalf("logFile = %q", ev.LogFile)
	}
	if ev.MarkerFile != "draft-ingestion-complete.log" {
		t.Fatalf("markerFile = %q", ev.MarkerFile)
	}
}
