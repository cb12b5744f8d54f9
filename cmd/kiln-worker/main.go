// cmd/kiln-worker/main.go
//
// The per-job worker process. The daemon spawns one of these for every
// admitted job and captures its stdout and stderr into the job's
// worker.log. The job id arrives as the only argument; the data directory
// and restart point arrive through the environment contract in
// internal/pipeline/env.go.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kingrea/The-Kiln/internal/config"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/task"
	"github.com/kingrea/The-Kiln/internal/tasks"
	"github.com/kingrea/The-Kiln/internal/worker"
	"github.com/kingrea/The-Kiln/plugins"
)

func main() {
	configPath := flag.String("config", "", "path to kiln.yaml")
	flag.Parse()
	if flag.NArg() != 1 {
		die("usage: kiln-worker [-config kiln.yaml] <job-id>")
	}
	jobID := flag.Arg(0)

	// KILN_DATA_DIR from the daemon overrides the config file, so worker
	// and daemon always agree on paths.
	cfg, err := config.Load(*configPath)
	if err != nil {
		die("%v", err)
	}

	reg := task.NewRegistry()
	tasks.RegisterBuiltins(reg)
	if _, err := plugins.Register(reg, cfg.Plugins.Dir); err != nil {
		die("load plugins: %v", err)
	}

	startFrom := strings.TrimSpace(os.Getenv(pipeline.EnvStartFromTask))
	single := os.Getenv(pipeline.EnvSingleTask) == "1"

	// SIGTERM from the supervisor cancels the context; the engine stops at
	// the next stage boundary and the job settles as restartable.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := worker.New(cfg, reg)
	if err := runner.Run(ctx, jobID, startFrom, single); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
