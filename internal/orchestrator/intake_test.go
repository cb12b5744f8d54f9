// internal/orchestrator/intake_test.go

package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
	"github.com/kingrea/The-Kiln/internal/tasks/echo"
)

func TestIntakeAdmitsValidSeed(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	path := writePendingSeed(t, tree, "job-0001", map[string]any{
		"name":     "first firing",
		"pipeline": "editorial",
		"tasks": []map[string]any{
			{"name": "draft", "module": "echo", "input": map[string]any{"topic": "kilns"}},
			{"name": "polish", "module": "echo"},
		},
	})

	res := orch.OnSeedDetected(path)
	if res.Outcome != IntakeCreated || res.Err != nil {
		t.Fatalf("outcome %v err %v, want created", res.Outcome, res.Err)
	}
	if res.JobID != "job-0001" {
		t.Fatalf("job id %q, want job-0001", res.JobID)
	}

	job := tree.Job("job-0001")
	if !job.Exists() {
		t.Fatal("job directory not created")
	}
	if _, err := os.Stat(job.SeedPath()); err != nil {
		t.Fatalf("seed copy missing: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pending seed should be consumed, stat err %v", err)
	}

	doc, err := orch.store.Load(job.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.State != status.JobPending {
		t.Fatalf("job state %q, want pending", doc.State)
	}
	if doc.Name != "first firing" {
		t.Fatalf("job name %q, want the seed's name", doc.Name)
	}
	if doc.Pipeline != "editorial" {
		t.Fatalf("pipeline label %q, want the seed's label", doc.Pipeline)
	}
	if !strings.HasPrefix(doc.PipelineID, "pl-") {
		t.Fatalf("pipeline id %q, want pl- prefix", doc.PipelineID)
	}
	for _, name := range []string{"draft", "polish"} {
		ts := doc.Tasks[name]
		if ts == nil || ts.State != status.TaskPending {
			t.Fatalf("task %s record %+v, want pending", name, ts)
		}
	}

	specs := rec.launched()
	if len(specs) != 1 {
		t.Fatalf("launched %d workers, want 1", len(specs))
	}
	spec := specs[0]
	if spec.Binary != "kiln-worker" || len(spec.Args) != 1 || spec.Args[0] != "job-0001" {
		t.Fatalf("worker spec %+v", spec)
	}
	if spec.LogPath != filepath.Join(job.Path(), "worker.log") {
		t.Fatalf("worker log path %q", spec.LogPath)
	}
	dataDir, ok := envValue(spec.Env, "KILN_DATA_DIR")
	if !ok || !filepath.IsAbs(dataDir) {
		t.Fatalf("KILN_DATA_DIR %q ok=%t, want absolute path", dataDir, ok)
	}
	if _, ok := envValue(spec.Env, "KILN_START_FROM_TASK"); ok {
		t.Fatal("fresh intake must not set KILN_START_FROM_TASK")
	}
}

func TestIntakeRejectsInvalidFilename(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	path := filepath.Join(tree.PendingDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not a seed"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	res := orch.OnSeedDetected(path)
	if res.Outcome != IntakeRejectedName {
		t.Fatalf("outcome %v, want rejected-name", res.Outcome)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("non-seed file should be left in place: %v", err)
	}
	if len(rec.launched()) != 0 {
		t.Fatal("no worker should launch for a bad filename")
	}
}

func TestIntakeIgnoresDuplicateJobIDs(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)

	first := writePendingSeed(t, tree, "job-dup", singleTaskSeed("draft"))
	if res := orch.OnSeedDetected(first); res.Outcome != IntakeCreated {
		t.Fatalf("first intake outcome %v", res.Outcome)
	}

	second := writePendingSeed(t, tree, "job-dup", singleTaskSeed("draft"))
	res := orch.OnSeedDetected(second)
	if res.Outcome != IntakeDuplicate {
		t.Fatalf("second intake outcome %v, want duplicate", res.Outcome)
	}
	if _, err := os.Stat(second); err != nil {
		t.Fatalf("duplicate seed should be left in pending/: %v", err)
	}
	if len(rec.launched()) != 1 {
		t.Fatalf("launched %d workers, want 1", len(rec.launched()))
	}
}

func TestIntakeDuplicateAcrossQueues(t *testing.T) {
	orch, tree, _ := newTestOrchestrator(t)

	// A finished job with the same id also blocks re-admission.
	if err := os.MkdirAll(filepath.Join(tree.CompleteDir(), "job-old"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := writePendingSeed(t, tree, "job-old", singleTaskSeed("draft"))
	if res := orch.OnSeedDetected(path); res.Outcome != IntakeDuplicate {
		t.Fatalf("outcome %v, want duplicate", res.Outcome)
	}
}

func TestIntakeRejectsUnparseableSeed(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	path := tree.PendingSeedPath("job-bad")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	res := orch.OnSeedDetected(path)
	if res.Outcome != IntakeRejectedSeed || res.Err == nil {
		t.Fatalf("outcome %v err %v, want rejected-seed", res.Outcome, res.Err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("rejected seed should leave pending/, stat err %v", err)
	}
	if tree.Job("job-bad").Exists() {
		t.Fatal("rejected job still under current/")
	}

	rejected := tree.RejectedJob("job-bad")
	if !rejected.Exists() {
		t.Fatal("rejected job directory missing")
	}
	doc, err := orch.store.Load(rejected.Path())
	if err != nil {
		t.Fatalf("Load rejected: %v", err)
	}
	if doc.State != status.JobRejected {
		t.Fatalf("state %q, want rejected", doc.State)
	}
	if doc.Error == nil || doc.Error.Name != "SeedError" {
		t.Fatalf("persisted error %+v, want SeedError", doc.Error)
	}
	if _, err := os.Stat(rejected.SeedPath()); err != nil {
		t.Fatalf("rejected job should keep its seed copy: %v", err)
	}
	if len(rec.launched()) != 0 {
		t.Fatal("no worker should launch for a rejected seed")
	}
}

func TestIntakeRejectsSeedWithoutTasks(t *testing.T) {
	orch, tree, _ := newTestOrchestrator(t)
	path := writePendingSeed(t, tree, "job-empty", map[string]any{"tasks": []map[string]any{}})

	res := orch.OnSeedDetected(path)
	if res.Outcome != IntakeRejectedSeed {
		t.Fatalf("outcome %v, want rejected-seed", res.Outcome)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "task") {
		t.Fatalf("err %v, want a task validation message", res.Err)
	}
}

func TestIntakeRejectsUnknownModule(t *testing.T) {
	reg := task.NewRegistry()
	echo.Register(reg)
	orch, tree, rec := newTestOrchestrator(t, WithRegistry(reg))

	path := writePendingSeed(t, tree, "job-mod", map[string]any{
		"tasks": []map[string]any{
			{"name": "draft", "module": "no-such-module"},
		},
	})
	res := orch.OnSeedDetected(path)
	if res.Outcome != IntakeRejectedSeed {
		t.Fatalf("outcome %v, want rejected-seed", res.Outcome)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "no-such-module") {
		t.Fatalf("err %v, want unknown module message", res.Err)
	}
	if len(rec.launched()) != 0 {
		t.Fatal("no worker should launch for an unknown module")
	}
}

func TestIntakeLaunchFailureStillAdmitsJob(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	rec.err = errors.New("binary not found")

	path := writePendingSeed(t, tree, "job-nolaunch", singleTaskSeed("draft"))
	res := orch.OnSeedDetected(path)
	if res.Outcome != IntakeCreated {
		t.Fatalf("outcome %v, want created despite launch failure", res.Outcome)
	}
	if res.Err == nil {
		t.Fatal("launch failure should surface on the result")
	}

	doc, err := orch.store.Load(tree.Job("job-nolaunch").Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.State != status.JobPending {
		t.Fatalf("state %q, want pending so a restart can pick it up", doc.State)
	}
}

func TestIntakeConcurrentDistinctJobs(t *testing.T) {
	orch, tree, rec := newTestOrchestrator(t)
	paths := []string{
		writePendingSeed(t, tree, "job-a", singleTaskSeed("draft")),
		writePendingSeed(t, tree, "job-b", singleTaskSeed("draft")),
	}

	var wg sync.WaitGroup
	results := make([]IntakeResult, len(paths))
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			results[i] = orch.OnSeedDetected(path)
		}(i, path)
	}
	wg.Wait()

	for i, res := range results {
		if res.Outcome != IntakeCreated || res.Err != nil {
			t.Fatalf("intake %d: outcome %v err %v", i, res.Outcome, res.Err)
		}
	}
	if len(rec.launched()) != 2 {
		t.Fatalf("launched %d workers, want 2", len(rec.launched()))
	}
}
