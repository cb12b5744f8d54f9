// internal/stage/errors.go
//
// Error taxonomy for task execution. ValidationError is the only
// recoverable class and only when raised by the two validation stages;
// everything else fails the task at the stage that raised it.

package stage

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/kingrea/The-Kiln/internal/artifact"
	"github.com/kingrea/The-Kiln/internal/llm"
	"github.com/kingrea/The-Kiln/internal/status"
)

// ValidationError reports content that failed a structural or quality
// check. Raised by validateStructure or validateQuality it feeds the
// refinement loop; from any other stage it is fatal.
type ValidationError struct {
	Reason  string
	Details map[string]any
}

// NewValidationError builds a ValidationError. Details may be nil.
func NewValidationError(reason string, details map[string]any) *ValidationError {
	return &ValidationError{Reason: reason, Details: details}
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// StageError wraps a fatal failure with the stage that raised it. Stack is
// populated when the failure was a recovered panic.
type StageError struct {
	Stage string
	Err   error
	Stack string
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StageError) Unwrap() error { return e.Err }

// FlagTypeConflictError reports a flag whose kind changed across stages.
// This is a task authoring bug, never a validation failure.
type FlagTypeConflictError struct {
	Key      string
	Existing Kind
	Incoming Kind
}

// Error implements error.
func (e *FlagTypeConflictError) Error() string {
	if e.Existing == "" {
		return fmt.Sprintf("flag %q: unsupported value type %s", e.Key, e.Incoming)
	}
	return fmt.Sprintf("flag %q: kind changed from %s to %s", e.Key, e.Existing, e.Incoming)
}

// Normalize turns any task error into the structured record persisted in
// the status document. The innermost typed error decides the name and
// debug payload; a wrapping StageError contributes its stage and stack.
// The message never collapses to an opaque stringification.
func Normalize(err error) *status.ErrorInfo {
	if err == nil {
		return nil
	}

	var stageErr *StageError
	hasStage := errors.As(err, &stageErr)

	info := classify(err)
	if hasStage {
		if info.Stack == "" {
			info.Stack = stageErr.Stack
		}
		if info.Debug == nil {
			info.Debug = map[string]any{}
		}
		info.Debug["stage"] = stageErr.Stage
	}
	return info
}

func classify(err error) *status.ErrorInfo {
	var ve *ValidationError
	if errors.As(err, &ve) {
		var debugMap map[string]any
		if len(ve.Details) > 0 {
			debugMap = make(map[string]any, len(ve.Details))
			for k, v := range ve.Details {
				debugMap[k] = v
			}
		}
		return &status.ErrorInfo{
			Name:    "ValidationError",
			Message: ve.Reason,
			Debug:   debugMap,
		}
	}

	var fc *FlagTypeConflictError
	if errors.As(err, &fc) {
		return &status.ErrorInfo{
			Name:    "FlagTypeConflictError",
			Message: fc.Error(),
			Debug: map[string]any{
				"key":      fc.Key,
				"existing": string(fc.Existing),
				"incoming": string(fc.Incoming),
			},
		}
	}

	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return &status.ErrorInfo{
			Name:    "ProviderError",
			Message: pe.Error(),
			Debug: map[string]any{
				"endpoint":  pe.Endpoint,
				"status":    pe.Status,
				"retryable": pe.Retryable,
			},
		}
	}

	var fe *artifact.FilesystemError
	if errors.As(err, &fe) {
		return &status.ErrorInfo{
			Name:    "FilesystemError",
			Message: fe.Error(),
			Debug: map[string]any{
				"op":   fe.Op,
				"path": fe.Path,
			},
		}
	}

	var se *StageError
	if errors.As(err, &se) {
		return &status.ErrorInfo{
			Name:    "StageError",
			Message: se.Error(),
			Stack:   se.Stack,
		}
	}

	return &status.ErrorInfo{
		Name:    "Error",
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}

// errorFlagValue renders a normalized error as the map stored under the
// lastValidationError flag.
func errorFlagValue(info *status.ErrorInfo) map[string]any {
	out := map[string]any{
		"name":    info.Name,
		"message": info.Message,
	}
	if info.Stack != "" {
		out["stack"] = info.Stack
	}
	if len(info.Debug) > 0 {
		out["debug"] = info.Debug
	}
	return out
}
