// internal/stage/context.go

package stage

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kingrea/The-Kiln/internal/artifact"
	"github.com/kingrea/The-Kiln/internal/llm"
	"github.com/kingrea/The-Kiln/internal/status"
)

// UsageFunc receives one token-usage tuple per recorded LLM call.
type UsageFunc func(usage status.TokenUsage)

// Context is the per-task execution context threaded through every stage.
// Stages read and extend Data; control signals travel through Flags.
type Context struct {
	// Task is the task name this context belongs to.
	Task string

	// Seed is the task's input block from the job seed. Stages treat it
	// as read-only.
	Seed map[string]any

	// Data accumulates stage outputs across the run.
	Data map[string]any

	// Flags is the typed control-flag set.
	Flags *Flags

	// IO is the task's scoped filesystem. Nil in bare unit tests.
	IO *artifact.Scope

	// LLM is the injected inference client. Nil for tasks that never
	// reach the inference stage.
	LLM llm.Client

	usage UsageFunc
	clock func() time.Time

	mu   sync.Mutex
	sink io.Writer
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithUsageRecorder wires token-usage tuples to the status store.
func WithUsageRecorder(fn UsageFunc) ContextOption {
	return func(sc *Context) { sc.usage = fn }
}

// WithContextClock overrides the wall clock, for tests.
func WithContextClock(fn func() time.Time) ContextOption {
	return func(sc *Context) { sc.clock = fn }
}

// NewContext builds the context for one task run.
func NewContext(task string, seed map[string]any, scope *artifact.Scope, client llm.Client, opts ...ContextOption) *Context {
	sc := &Context{
		Task:  task,
		Seed:  seed,
		Data:  make(map[string]any),
		Flags: NewFlags(),
		IO:    scope,
		LLM:   client,
		clock: time.Now,
		sink:  io.Discard,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Now returns the context's wall clock reading.
func (sc *Context) Now() time.Time { return sc.clock() }

// Logf writes one timestamped line to the active stage capture. Outside a
// running stage the output is discarded.
func (sc *Context) Logf(format string, args ...any) {
	sc.mu.Lock()
	w := sc.sink
	sc.mu.Unlock()
	fmt.Fprintf(w, "[%s] %s\n", status.Timestamp(sc.clock()), fmt.Sprintf(format, args...))
}

// RecordUsage reports one LLM call's token counts.
func (sc *Context) RecordUsage(model string, usage llm.Usage) {
	if sc.usage == nil {
		return
	}
	sc.usage(status.TokenUsage{
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
}

// redirect points Logf at the stage capture file and returns the restore
// hook. The engine always calls the restore on every exit path.
func (sc *Context) redirect(w io.Writer) func() {
	sc.mu.Lock()
	prev := sc.sink
	sc.sink = w
	sc.mu.Unlock()
	return func() {
		sc.mu.Lock()
		sc.sink = prev
		sc.mu.Unlock()
	}
}

// mergeResult folds a successful stage result into the context.
func (sc *Context) mergeResult(res Result) error {
	for k, v := range res.Output {
		sc.Data[k] = v
	}
	return sc.Flags.Merge(res.Flags)
}
