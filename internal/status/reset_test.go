package status

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
)

// seedThreeTasks persists a document with three tasks in assorted states and
// returns the job dir and store.
func seedThreeTasks(t *testing.T) (string, *Store) {
	t.Helper()
	jobDir := filepath.Join(t.TempDir(), "digest")
	store := NewStore()
	_, err := store.Write(jobDir, func(j *Job) error {
		j.State = JobFailed
		j.Error = &ErrorInfo{Name: "WorkerError", Message: "analysis failed"}
		outline := j.Task("outline")
		outline.State = TaskDone
		outline.StartedAt = "2026-02-14T10:00:00Z"
		outline.EndedAt = "2026-02-14T10:00:30Z"
		outline.ExecutionTime = 30000

		analysis := j.Task("analysis")
		analysis.State = TaskFailed
		analysis.FailedStage = "validateQuality"
		analysis.RefinementAttempts = 2
		analysis.Error = &ErrorInfo{Name: "ValidationError", Message: "too short"}

		j.Task("publish")
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return jobDir, store
}

func TestResetSingleTaskTouchesOnlyThatTask(t *testing.T) {
	jobDir, store := seedThreeTasks(t)
	before, err := store.Load(jobDir)
	if err != nil {
		t.Fatalf("Load before: %v", err)
	}

	if _, err := store.ResetSingleTask(jobDir, "analysis"); err != nil {
		t.Fatalf("ResetSingleTask: %v", err)
	}

	after, err := store.Load(jobDir)
	if err != nil {
		t.Fatalf("Load after: %v", err)
	}

	reset := after.Tasks["analysis"]
	if reset.State != TaskPending {
		t.Fatalf("analysis state = %q, want pending", reset.State)
	}
	if reset.Error != nil || reset.FailedStage != "" || reset.RefinementAttempts != 0 {
		t.Fatalf("analysis not cleared: %+v", reset)
	}

	for _, name := range []string{"outline", "publish"} {
		beforeJSON, _ := json.Marshal(before.Tasks[name])
		afterJSON, _ := json.Marshal(after.Tasks[name])
		if string(beforeJSON) != string(afterJSON) {
			t.Fatalf("task %s changed by single-task reset:\nbefore %s\nafter  %s", name, beforeJSON, afterJSON)
		}
	}
	if after.State != before.State {
		t.Fatalf("job state changed from %q to %q", before.State, after.State)
	}
	if after.Error == nil {
		t.Fatal("job-level error should survive a single-task reset")
	}
}

func TestResetJobToCleanSlate(t *testing.T) {
	jobDir, store := seedThreeTasks(t)
	snap, err := store.ResetJobToCleanSlate(jobDir)
	if err != nil {
		t.Fatalf("ResetJobToCleanSlate: %v", err)
	}
	if snap.State != JobPending || snap.Current != "" || snap.CurrentStage != "" {
		t.Fatalf("job fields not reset: %+v", snap)
	}
	if snap.Error != nil {
		t.Fatalf("job-level error survived the clean slate: %+v", snap.Error)
	}
	for name, ts := range snap.Tasks {
		if ts.State != TaskPending || ts.Error != nil || ts.StartedAt != "" {
			t.Fatalf("task %s not reset: %+v", name, ts)
		}
	}
}

func TestCascadingResetStaysInternal(t *testing.T) {
	// The cascading primitive exists but must reset the named task and the
	// lexically later ones only.
	jobDir, store := seedThreeTasks(t)
	snap, err := store.resetJobFromTask(jobDir, "outline")
	if err != nil {
		t.Fatalf("resetJobFromTask: %v", err)
	}
	if snap.Tasks["outline"].State != TaskPending {
		t.Fatal("outline not reset")
	}
	if snap.Tasks["publish"].State != TaskPending {
		t.Fatal("publish (downstream) not reset")
	}
	if snap.Tasks["analysis"].State != TaskFailed {
		t.Fatal("analysis (upstream) should be untouched")
	}
}

func TestAppendTokenUsagePreservesCallOrder(t *testing.T) {
	jobDir := filepath.Join(t.TempDir(), "digest")
	store := NewStore()

	tuples := []TokenUsage{
		{Model: "m1", PromptTokens: 50, CompletionTokens: 25},
		{Model: "m2", PromptTokens: 75, CompletionTokens: 35},
		{Model: "m3", PromptTokens: 100, CompletionTokens: 50},
	}
	for i, tu := range tuples {
		if _, err := store.AppendTokenUsage(jobDir, "analysis", tu); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		// Interleave unrelated mutations between appends.
		if _, err := store.Write(jobDir, func(j *Job) error {
			j.CurrentStage = "inference"
			return nil
		}); err != nil {
			t.Fatalf("interleaved write %d: %v", i, err)
		}
	}

	snap, err := store.Load(jobDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(snap.Tasks["analysis"].TokenUsage, tuples) {
		t.Fatalf("token usage = %+v, want %+v", snap.Tasks["analysis"].TokenUsage, tuples)
	}
}
