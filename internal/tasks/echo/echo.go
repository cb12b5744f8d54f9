// Package echo is the smallest useful task module: it copies the seed input
// through ingestion and nothing else. Handy for wiring checks and as the
// canonical gating example, since its critique stage can never run.
package echo

import (
	"context"

	"github.com/kingrea/The-Kiln/internal/stage"
	"github.com/kingrea/The-Kiln/internal/task"
)

// ModuleName is the registry name of the echo module.
const ModuleName = "echo"

// Module copies seed input into the task data.
type Module struct{}

// Register adds the module to the registry.
func Register(reg *task.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(ModuleName, func() (stage.Module, error) {
		return New(), nil
	})
}

// New constructs the echo module.
func New() *Module { return &Module{} }

// Name implements stage.Module.
func (m *Module) Name() string { return ModuleName }

// Ingest copies the seed input through unchanged.
func (m *Module) Ingest(_ context.Context, sc *stage.Context) (stage.Result, error) {
	out := make(map[string]any, len(sc.Seed))
	for k, v := range sc.Seed {
		out[k] = v
	}
	sc.Logf("echoed %d seed fields", len(out))
	return stage.Result{
		Output: out,
		Flags:  map[string]any{"needsRefinement": false},
	}, nil
}

// Critique is gated on a validation failure, and echo has no validation
// stages, so this never runs.
func (m *Module) Critique(context.Context, *stage.Context) (stage.Result, error) {
	return stage.Result{
		Flags: map[string]any{stage.FlagCritique: "echo output needs no refinement"},
	}, nil
}
