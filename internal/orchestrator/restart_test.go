// internal/orchestrator/restart_test.go

package orchestrator

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
)

// admitJob pushes a two-task seed through intake and returns its id.
func admitJob(t *testing.T, orch *Orchestrator, tree *pipeline.Tree, jobID string) {
	t.Helper()
	path := writePendingSeed(t, tree, jobID, map[string]any{
		"tasks": []map[string]any{
			{"name": "draft", "module": "echo"},
			{"name": "polish", "module": "echo"},
		},
	})
	if res := orch.OnSeedDetected(path); res.Outcome != IntakeCreated {
		t.Fatalf("intake outcome %v", res.Outcome)
	}
}

// settleFailed simulates a worker run that finished draft and failed
// polish.
func settleFailed(t *testing.T, orch *Orchestrator, tree *pipeline.Tree, jobID string) {
	t.Helper()
	if _, err := orch.store.Write(tree.Job(jobID).Path(), func(doc *status.Job) error {
		doc.State = status.JobFailed
		draft := doc.Task("draft")
		draft.State = status.TaskDone
		draft.StartedAt = "2026-03-14T09:00:00Z"
		polish := doc.Task("polish")
		polish.State = status.TaskFailed
		polish.FailedStage = "validateStructure"
		polish.Error = &status.ErrorInfo{Name: "ValidationError", Message: "content too short"}
		polish.RefinementAttempts = 3
		return nil
	}); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
}

func TestRestartUnknownJob(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	if err := orch.Restart("no-such-job", "", false); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err %v, want ErrUnknownJob", err)
	}
}

func TestRestartCleanSlate(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-restart")
	settleFailed(t, orch, tree, "job-restart")

	if err := orch.Restart("job-restart", "", false); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	doc, err := orch.store.Load(tree.Job("job-restart").Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.State != status.JobPending {
		t.Fatalf("job state %q, want pending", doc.State)
	}
	for _, name := range []string{"draft", "polish"} {
		ts := doc.Tasks[name]
		if ts.State != status.TaskPending || ts.Error != nil || ts.StartedAt != "" || ts.RefinementAttempts != 0 {
			t.Fatalf("task %s not reset: %+v", name, ts)
		}
	}

	specs := rec.launched()
	if len(specs) != 2 {
		t.Fatalf("launched %d workers, want intake + restart", len(specs))
	}
	relaunch := specs[1]
	if _, ok := envValue(relaunch.Env, "KILN_START_FROM_TASK"); ok {
		t.Fatal("clean-slate restart must not set KILN_START_FROM_TASK")
	}
	if _, ok := envValue(relaunch.Env, "KILN_SINGLE_TASK"); ok {
		t.Fatal("clean-slate restart must not set KILN_SINGLE_TASK")
	}
}

func TestRestartFromTaskResetsOnlyThatTask(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-from")
	settleFailed(t, orch, tree, "job-from")

	if err := orch.Restart("job-from", "polish", false); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	doc, err := orch.store.Load(tree.Job("job-from").Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Tasks["draft"].State != status.TaskDone {
		t.Fatalf("draft state %q, want untouched done record", doc.Tasks["draft"].State)
	}
	polish := doc.Tasks["polish"]
	if polish.State != status.TaskPending || polish.Error != nil || polish.RefinementAttempts != 0 {
		t.Fatalf("polish not reset: %+v", polish)
	}

	specs := rec.launched()
	relaunch := specs[len(specs)-1]
	from, ok := envValue(relaunch.Env, "KILN_START_FROM_TASK")
	if !ok || from != "polish" {
		t.Fatalf("KILN_START_FROM_TASK %q ok=%t, want polish", from, ok)
	}
	if _, ok := envValue(relaunch.Env, "KILN_SINGLE_TASK"); ok {
		t.Fatal("fromTask without single must not set KILN_SINGLE_TASK")
	}
}

func TestRestartSingleTaskSetsEnvFlag(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-single")
	settleFailed(t, orch, tree, "job-single")

	if err := orch.Restart("job-single", "polish", true); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	specs := rec.launched()
	relaunch := specs[len(specs)-1]
	if v, ok := envValue(relaunch.Env, "KILN_SINGLE_TASK"); !ok || v != "1" {
		t.Fatalf("KILN_SINGLE_TASK %q ok=%t, want 1", v, ok)
	}
}

func TestRestartSingleWithoutFromTaskRunsWholeJob(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-whole")
	settleFailed(t, orch, tree, "job-whole")

	// singleTask without fromTask is meaningless and ignored; the job is
	// reset whole.
	if err := orch.Restart("job-whole", "", true); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	doc, err := orch.store.Load(tree.Job("job-whole").Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Tasks["draft"].State != status.TaskPending {
		t.Fatalf("draft state %q, want reset", doc.Tasks["draft"].State)
	}
	relaunch := rec.launched()[len(rec.launched())-1]
	if _, ok := envValue(relaunch.Env, "KILN_SINGLE_TASK"); ok {
		t.Fatal("KILN_SINGLE_TASK must not be set without a fromTask")
	}
}

func TestRestartRejectsUnknownTask(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-unktask")
	before := len(rec.launched())

	err := orch.Restart("job-unktask", "glaze", false)
	if !errors.Is(err, ErrUnknownTask) || !strings.Contains(err.Error(), "glaze") {
		t.Fatalf("err %v, want ErrUnknownTask naming glaze", err)
	}
	if len(rec.launched()) != before {
		t.Fatal("no worker should launch for an unknown task")
	}
}

func TestRestartRefusesLiveLock(t *testing.T) {
	orch, tree, _ := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-locked")

	lock, err := pipeline.AcquireLock(tree.Job("job-locked"))
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	err = orch.Restart("job-locked", "", false)
	var held *pipeline.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err %v, want LockHeldError", err)
	}
	if held.Owner.PID != os.Getpid() {
		t.Fatalf("lock owner pid %d, want this process", held.Owner.PID)
	}
}

func TestRestartReclaimsStaleLock(t *testing.T) {
	orch, tree, _ := newTestOrchestrator(t)
	admitJob(t, orch, tree, "job-stalelock")

	job := tree.Job("job-stalelock")
	if err := os.Mkdir(job.LockPath(), 0o755); err != nil {
		t.Fatalf("mkdir lock: %v", err)
	}
	owner, err := json.Marshal(pipeline.LockOwner{PID: 1 << 30, CreatedAt: "2026-03-14T09:00:00Z", Hostname: "gone"})
	if err != nil {
		t.Fatalf("marshal owner: %v", err)
	}
	if err := os.WriteFile(filepath.Join(job.LockPath(), "owner.json"), owner, 0o644); err != nil {
		t.Fatalf("write owner: %v", err)
	}

	if err := orch.Restart("job-stalelock", "", false); err != nil {
		t.Fatalf("Restart with stale lock: %v", err)
	}
	if pipeline.Locked(job) {
		t.Fatal("stale lock should be reclaimed")
	}
}

func TestRestartRefusedDuringIntake(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	if !orch.beginIntake("job-mid") {
		t.Fatal("beginIntake")
	}
	defer orch.endIntake("job-mid")

	if err := orch.Restart("job-mid", "", false); !errors.Is(err, ErrIntakeInFlight) {
		t.Fatalf("err %v, want ErrIntakeInFlight", err)
	}
}
