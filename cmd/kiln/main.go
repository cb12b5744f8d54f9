// cmd/kiln/main.go
//
// This is the entry point for the kiln CLI. One binary carries the whole
// operator surface:
//
//   kiln init       write a starter kiln.yaml and create the data tree
//   kiln daemon     run the orchestrator and the control plane
//   kiln monitor    open the terminal job board
//   kiln jobs       list jobs through the control plane
//   kiln submit     queue a seed file for processing
//   kiln restart    re-run a job, optionally from one task
//   kiln validate   check a seed file without queueing it
//
// The per-job worker is its own binary (kiln-worker) so the daemon can
// supervise one process per job.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kingrea/The-Kiln/internal/config"
	"github.com/kingrea/The-Kiln/internal/controlplane"
	"github.com/kingrea/The-Kiln/internal/logbook"
	"github.com/kingrea/The-Kiln/internal/orchestrator"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
	"github.com/kingrea/The-Kiln/internal/tasks"
	"github.com/kingrea/The-Kiln/internal/tui"
	"github.com/kingrea/The-Kiln/plugins"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "init":
		runInit(args)
	case "daemon":
		runDaemon(args)
	case "monitor":
		runMonitor(args)
	case "jobs":
		runJobs(args)
	case "submit":
		runSubmit(args)
	case "restart":
		runRestart(args)
	case "validate":
		runValidate(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "kiln: unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: kiln <command> [flags]

Commands:
  init      write a starter kiln.yaml and create the data directory
  daemon    run the orchestrator and the control plane
  monitor   open the terminal job board
  jobs      list jobs through the control plane
  submit    queue a seed file for processing
  restart   re-run a job, optionally from one task
  validate  check a seed file without queueing it

Every command accepts -config pointing at a kiln.yaml; $KILN_CONFIG and
./kiln.yaml are tried in that order when the flag is absent.
`)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultFileName, "where to write the config file")
	_ = fs.Parse(args)

	if err := config.EnsureDefaultConfig(*configPath); err != nil {
		die("write config: %v", err)
	}
	cfg := loadConfig(*configPath)
	tree := pipeline.NewTree(cfg.DataDir)
	if err := tree.EnsureLayout(); err != nil {
		die("create data directory: %v", err)
	}
	fmt.Printf("Config at %s\n", *configPath)
	fmt.Printf("Queues under %s\n", cfg.DataDir)
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	_ = fs.Parse(args)
	cfg := loadConfig(*configPath)

	tree := pipeline.NewTree(cfg.DataDir)
	if err := tree.EnsureLayout(); err != nil {
		die("create data directory: %v", err)
	}
	book, err := logbook.New(cfg.LogbookPath())
	if err != nil {
		die("open logbook: %v", err)
	}
	reg := buildRegistry(cfg, book)
	store := status.NewStore()
	hub := controlplane.NewHub()
	orch := orchestrator.New(cfg, tree, store, book,
		orchestrator.WithRegistry(reg),
		orchestrator.WithEvents(hub.Publish),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *controlplane.Server
	if cfg.ControlPlane.Enabled {
		server = controlplane.New(cfg.ControlPlane, tree, store,
			controlplane.WithHub(hub),
			controlplane.WithRestarter(orch),
			controlplane.WithLogbook(book),
			controlplane.WithBatchWorkers(cfg.Batch.Workers),
		)
		if err := server.Start(ctx); err != nil {
			die("start control plane: %v", err)
		}
		fmt.Printf("Control plane listening on %s\n", server.Addr())
	}
	fmt.Printf("Kiln daemon watching %s\n", tree.PendingDir())

	runErr := orch.Run(ctx)
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			book.Warn("control plane shutdown: %v", err)
		}
		cancel()
	}
	if runErr != nil {
		die("daemon: %v", runErr)
	}
}

func runMonitor(args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	_ = fs.Parse(args)
	cfg := loadConfig(*configPath)

	app, err := tui.NewApp(cfg)
	if err != nil {
		die("%v", err)
	}
	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		die("run monitor: %v", err)
	}
}

func runJobs(args []string) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	_ = fs.Parse(args)
	cfg := loadConfig(*configPath)

	client := controlplane.NewClient(controlPlaneURL(cfg))
	res, err := client.Jobs()
	if err != nil {
		die("list jobs: %v (is the daemon running?)", err)
	}
	if len(res.Pending) == 0 && len(res.Jobs) == 0 {
		fmt.Println("No jobs.")
		return
	}
	for _, id := range res.Pending {
		fmt.Printf("%-24s %-9s %-9s waiting for intake\n", id, "pending", "queued")
	}
	for _, job := range res.Jobs {
		detail := fmt.Sprintf("%d/%d tasks", job.DoneCount, job.TaskCount)
		if job.Current != "" {
			position := job.Current
			if job.CurrentStage != "" {
				position += "/" + job.CurrentStage
			}
			detail += " · " + position
		}
		if job.Name != "" {
			detail += " · " + job.Name
		}
		fmt.Printf("%-24s %-9s %-9s %s\n", job.ID, job.Queue, job.State, detail)
	}
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	jobIDFlag := fs.String("id", "", "job id (defaults to the seed filename stem)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		die("usage: kiln submit [-id job-123] <seed.json>")
	}
	path := fs.Arg(0)
	cfg := loadConfig(*configPath)

	data, err := os.ReadFile(path)
	if err != nil {
		die("read seed: %v", err)
	}
	if _, err := task.ParseSeed(data); err != nil {
		die("%v", err)
	}
	jobID := strings.TrimSpace(*jobIDFlag)
	if jobID == "" {
		base := filepath.Base(path)
		if stem, ok := pipeline.JobIDFromSeedName(base); ok {
			jobID = stem
		} else {
			jobID = strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	if !pipeline.ValidSeedName(jobID + pipeline.SeedSuffix) {
		die("invalid job id %q", jobID)
	}

	client := controlplane.NewClient(controlPlaneURL(cfg))
	if client.Healthy() {
		if err := client.Submit(jobID, data); err != nil {
			die("submit: %v", err)
		}
		fmt.Printf("Job %s queued via control plane\n", jobID)
		return
	}

	// No daemon answering; drop the seed straight into pending/. The rename
	// keeps the watcher from reading a half-written file.
	tree := pipeline.NewTree(cfg.DataDir)
	if err := tree.EnsureLayout(); err != nil {
		die("create data directory: %v", err)
	}
	tmp, err := os.CreateTemp(tree.PendingDir(), ".submit-*.tmp")
	if err != nil {
		die("queue seed: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		die("queue seed: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		die("queue seed: %v", err)
	}
	dest := tree.PendingSeedPath(jobID)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		die("queue seed: %v", err)
	}
	fmt.Printf("Job %s queued at %s\n", jobID, dest)
}

func runRestart(args []string) {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	fromTask := fs.String("from", "", "start from this task instead of the beginning")
	single := fs.Bool("single", false, "stop after the starting task")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		die("usage: kiln restart [-from task] [-single] <job-id>")
	}
	if *single && strings.TrimSpace(*fromTask) == "" {
		die("-single needs -from")
	}
	jobID := fs.Arg(0)
	cfg := loadConfig(*configPath)

	client := controlplane.NewClient(controlPlaneURL(cfg))
	if err := client.RestartJob(jobID, *fromTask, *single); err != nil {
		die("restart: %v", err)
	}
	if *fromTask != "" {
		fmt.Printf("Job %s restarting from task %s\n", jobID, *fromTask)
	} else {
		fmt.Printf("Job %s restarting\n", jobID)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := addConfigFlag(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		die("usage: kiln validate [-config kiln.yaml] <seed.json>")
	}
	path := fs.Arg(0)
	cfg := loadConfig(*configPath)

	seed, err := task.LoadSeed(path)
	if err != nil {
		die("%v", err)
	}
	reg := buildRegistry(cfg, nil)
	missing := 0
	for _, st := range seed.Tasks {
		if !reg.Has(st.Module) {
			fmt.Fprintf(os.Stderr, "task %s wants unknown module %q\n", st.Name, st.Module)
			missing++
		}
	}
	if missing > 0 {
		die("%d task(s) reference unregistered modules", missing)
	}
	fmt.Printf("Seed OK · %d task(s)\n", len(seed.Tasks))
}

// buildRegistry assembles the built-in modules plus whatever the plugins
// directory defines. book may be nil.
func buildRegistry(cfg *config.Config, book *logbook.Logbook) *task.Registry {
	reg := task.NewRegistry()
	tasks.RegisterBuiltins(reg)
	n, err := plugins.Register(reg, cfg.Plugins.Dir)
	if err != nil {
		die("load plugins: %v", err)
	}
	if n > 0 && book != nil {
		book.Info("loaded %d plugin task(s) from %s", n, cfg.Plugins.Dir)
	}
	return reg
}

func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to kiln.yaml")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		die("%v", err)
	}
	return cfg
}

func controlPlaneURL(cfg *config.Config) string {
	return "http://" + cfg.ControlPlane.Address()
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
