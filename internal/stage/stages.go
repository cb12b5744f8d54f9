// internal/stage/stages.go
//
// The fixed 11-stage pipeline. Task modules implement any subset of the
// capability interfaces below; the engine resolves each stage against the
// module and skips stages the module does not supply. Critique and refine
// are additionally gated on flags so they only run inside a refinement
// round.

package stage

import "context"

// Stage names, in execution order.
const (
	StageIngestion         = "ingestion"
	StagePreProcessing     = "preProcessing"
	StagePromptTemplating  = "promptTemplating"
	StageInference         = "inference"
	StageParsing           = "parsing"
	StageValidateStructure = "validateStructure"
	StageValidateQuality   = "validateQuality"
	StageCritique          = "critique"
	StageRefine            = "refine"
	StageFinalValidation   = "finalValidation"
	StageIntegration       = "integration"
)

// Flag keys the engine reads and writes.
const (
	FlagValidationFailed    = "validationFailed"
	FlagCritique            = "critique"
	FlagLastValidationError = "lastValidationError"
)

// Result is what a stage hands back. Output merges into the context data;
// Flags merge into the flag set under the kind invariant.
type Result struct {
	Output map[string]any
	Flags  map[string]any
}

// Func is one bound stage implementation.
type Func func(ctx context.Context, sc *Context) (Result, error)

// Module is a task implementation. The engine discovers its stages through
// the capability interfaces.
type Module interface {
	Name() string
}

// Selective lets a module narrow its stage set below its method set, which
// definition-driven modules use when a definition omits optional sections.
type Selective interface {
	ImplementsStage(stage string) bool
}

// Capability interfaces, one per stage.
type (
	Ingester interface {
		Ingest(ctx context.Context, sc *Context) (Result, error)
	}
	PreProcessor interface {
		PreProcess(ctx context.Context, sc *Context) (Result, error)
	}
	PromptTemplater interface {
		TemplatePrompt(ctx context.Context, sc *Context) (Result, error)
	}
	Inferrer interface {
		Infer(ctx context.Context, sc *Context) (Result, error)
	}
	Parser interface {
		Parse(ctx context.Context, sc *Context) (Result, error)
	}
	StructureValidator interface {
		ValidateStructure(ctx context.Context, sc *Context) (Result, error)
	}
	QualityValidator interface {
		ValidateQuality(ctx context.Context, sc *Context) (Result, error)
	}
	Critic interface {
		Critique(ctx context.Context, sc *Context) (Result, error)
	}
	Refiner interface {
		Refine(ctx context.Context, sc *Context) (Result, error)
	}
	FinalValidator interface {
		ValidateFinal(ctx context.Context, sc *Context) (Result, error)
	}
	Integrator interface {
		Integrate(ctx context.Context, sc *Context) (Result, error)
	}
)

// Descriptor ties a stage name to its gate and its capability lookup.
type Descriptor struct {
	Name string

	// gate reports whether the stage may run given the current flags.
	// A nil gate always passes.
	gate func(f *Flags) bool

	// resolve returns the module's implementation of this stage, if any.
	resolve func(m Module) (Func, bool)
}

// Gated reports whether the stage can be skipped by flags.
func (d Descriptor) Gated() bool { return d.gate != nil }

func capability[T any](name string, call func(T) Func) func(Module) (Func, bool) {
	return func(m Module) (Func, bool) {
		impl, ok := m.(T)
		if !ok {
			return nil, false
		}
		if sel, ok := m.(Selective); ok && !sel.ImplementsStage(name) {
			return nil, false
		}
		return call(impl), true
	}
}

// Pipeline returns the ordered stage descriptors. Callers get a fresh slice
// each time.
func Pipeline() []Descriptor {
	return []Descriptor{
		{
			Name:    StageIngestion,
			resolve: capability(StageIngestion, func(m Ingester) Func { return m.Ingest }),
		},
		{
			Name:    StagePreProcessing,
			resolve: capability(StagePreProcessing, func(m PreProcessor) Func { return m.PreProcess }),
		},
		{
			Name:    StagePromptTemplating,
			resolve: capability(StagePromptTemplating, func(m PromptTemplater) Func { return m.TemplatePrompt }),
		},
		{
			Name:    StageInference,
			resolve: capability(StageInference, func(m Inferrer) Func { return m.Infer }),
		},
		{
			Name:    StageParsing,
			resolve: capability(StageParsing, func(m Parser) Func { return m.Parse }),
		},
		{
			Name:    StageValidateStructure,
			resolve: capability(StageValidateStructure, func(m StructureValidator) Func { return m.ValidateStructure }),
		},
		{
			Name:    StageValidateQuality,
			resolve: capability(StageValidateQuality, func(m QualityValidator) Func { return m.ValidateQuality }),
		},
		{
			Name:    StageCritique,
			gate:    func(f *Flags) bool { return f.Bool(FlagValidationFailed) },
			resolve: capability(StageCritique, func(m Critic) Func { return m.Critique }),
		},
		{
			Name:    StageRefine,
			gate:    func(f *Flags) bool { return f.Truthy(FlagCritique) },
			resolve: capability(StageRefine, func(m Refiner) Func { return m.Refine }),
		},
		{
			Name:    StageFinalValidation,
			resolve: capability(StageFinalValidation, func(m FinalValidator) Func { return m.ValidateFinal }),
		},
		{
			Name:    StageIntegration,
			resolve: capability(StageIntegration, func(m Integrator) Func { return m.Integrate }),
		},
	}
}

// StageNames returns the 11 stage names in execution order.
func StageNames() []string {
	pl := Pipeline()
	names := make([]string, len(pl))
	for i, d := range pl {
		names[i] = d.Name
	}
	return names
}

// KnownStage reports whether name is one of the fixed stage names.
func KnownStage(name string) bool {
	for _, s := range StageNames() {
		if s == name {
			return true
		}
	}
	return false
}
