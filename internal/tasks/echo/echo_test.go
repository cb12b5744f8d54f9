// internal/tasks/echo/echo_test.go

package echo

import (
	"context"
	"os"
	"testing"

	"github.com/kingrea/The-Kiln/internal/artifact"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/stage"
)

func TestEchoCompletesWithoutCritique(t *testing.T) {
	tree := pipeline.NewTree(t.TempDir())
	if err := tree.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	job := tree.Job("job-echo")
	if err := job.EnsureLayout(); err != nil {
		t.Fatalf("job EnsureLayout: %v", err)
	}
	scope := artifact.NewScope(nil, job, "ping")
	if err := scope.EnsureLayout(); err != nil {
		t.Fatalf("scope EnsureLayout: %v", err)
	}

	sc := stage.NewContext("ping", map[string]any{"payload": "hello"}, scope, nil)
	res := stage.New().RunTask(context.Background(), New(), sc)
	if !res.OK {
		t.Fatalf("RunTask failed at %s: %v", res.FailedStage, res.Err)
	}
	if sc.Data["payload"] != "hello" {
		t.Fatalf("data = %v", sc.Data)
	}
	if sc.Flags.Truthy("needsRefinement") {
		t.Fatal("needsRefinement should be false")
	}

	task := job.Task("ping")
	if _, err := os.Stat(task.StageCompleteLogPath(stage.StageIngestion)); err != nil {
		t.Fatalf("ingestion marker missing: %v", err)
	}
	if _, err := os.Stat(task.StageCompleteLogPath(stage.StageCritique)); err == nil {
		t.Fatal("critique must stay gated off and leave no marker")
	}
}

func TestEchoName(t *testing.T) {
	if New().Name() != ModuleName {
		t.Fatal("name mismatch")
	}
}
