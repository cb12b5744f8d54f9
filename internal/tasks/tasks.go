package tasks

import (
	"github.com/kingrea/The-Kiln/internal/task"
	"github.com/kingrea/The-Kiln/internal/tasks/echo"
	"github.com/kingrea/The-Kiln/internal/tasks/generate"
)

// RegisterBuiltins installs all of the built-in task module factories into
// the provided registry.
func RegisterBuiltins(reg *task.Registry) {
	if reg == nil {
		return
	}
	echo.Register(reg)
	generate.Register(reg)
}
