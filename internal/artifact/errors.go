// internal/artifact/errors.go

package artifact

import "fmt"

// FilesystemError wraps a failed file operation inside a task scope with
// enough context to report which path the stage was touching.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

// Error implements error.
func (e *FilesystemError) Error() string {
	return fmt.Sprintf("artifact: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FilesystemError) Unwrap() error { return e.Err }

func fsErr(op, path string, err error) error {
	return &FilesystemError{Op: op, Path: path, Err: err}
}
