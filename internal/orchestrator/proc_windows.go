//go:build windows

package orchestrator

import (
	"os/exec"
	"time"
)

func configureWorkerProcess(cmd *exec.Cmd) {}

// terminateWorkerProcess kills the worker outright; Windows has no
// process-group TERM semantics to grant a grace window with.
func terminateWorkerProcess(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
