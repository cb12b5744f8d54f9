// internal/stage/flags.go
//
// Flags carry control signals between stages. Every key locks its kind on
// first assignment; later assignments of a different kind are a task
// authoring bug and fail the task rather than the validation path.

package stage

import (
	"reflect"
	"sort"
)

// Kind is the locked-in value class of a flag key.
type Kind string

const (
	KindBool   Kind = "bool"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

// KindOf classifies a flag value. The second return is false for values
// outside the five supported classes.
func KindOf(v any) (Kind, bool) {
	switch v.(type) {
	case bool:
		return KindBool, true
	case string:
		return KindString, true
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return KindNumber, true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return KindList, true
	case reflect.Map:
		return KindMap, true
	}
	return "", false
}

// Flags is the typed flag set for one task run. Not safe for concurrent use;
// stages run strictly sequentially.
type Flags struct {
	values map[string]any
	kinds  map[string]Kind
}

// NewFlags returns an empty flag set.
func NewFlags() *Flags {
	return &Flags{
		values: make(map[string]any),
		kinds:  make(map[string]Kind),
	}
}

// Set assigns one flag. Nil values are ignored. The first assignment fixes
// the key's kind; a later assignment of a different kind returns
// FlagTypeConflictError.
func (f *Flags) Set(key string, value any) error {
	if value == nil {
		return nil
	}
	kind, ok := KindOf(value)
	if !ok {
		return &FlagTypeConflictError{Key: key, Incoming: Kind(reflect.TypeOf(value).String())}
	}
	if existing, seen := f.kinds[key]; seen && existing != kind {
		return &FlagTypeConflictError{Key: key, Existing: existing, Incoming: kind}
	}
	f.kinds[key] = kind
	f.values[key] = value
	return nil
}

// Merge applies a stage's returned flags in deterministic key order.
func (f *Flags) Merge(flags map[string]any) error {
	if len(flags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := f.Set(k, flags[k]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the raw value and whether the key is set.
func (f *Flags) Get(key string) (any, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Bool reports whether the flag is the boolean true. Any other value,
// including truthy non-booleans, reports false.
func (f *Flags) Bool(key string) bool {
	v, ok := f.values[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Truthy reports whether the flag is set to a non-zero value: false, "",
// numeric zero and empty collections are all falsy.
func (f *Flags) Truthy(key string) bool {
	v, ok := f.values[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return false
}

// clear drops a key's value while keeping its locked kind, so a later
// re-assignment still honors the type invariant.
func (f *Flags) clear(key string) {
	delete(f.values, key)
}

// clearRefinementSignals resets the loop control flags after a validation
// stage passes, so critique and refine stay gated off once the task has
// converged.
func (f *Flags) clearRefinementSignals() {
	f.kinds[FlagValidationFailed] = KindBool
	f.values[FlagValidationFailed] = false
	f.clear(FlagCritique)
	f.clear(FlagLastValidationError)
}

// Snapshot copies the current values for logging and assertions.
func (f *Flags) Snapshot() map[string]any {
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}
