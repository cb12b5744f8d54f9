package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/The-Kiln/internal/stage"
	"github.com/kingrea/The-Kiln/internal/task"
)

const sampleYAML = `name: yaml-plugin
prompt: "Write about {topic}."
critiquePrompt: "Critique: {content}"
refinePrompt: "Notes: {critique}"
quality:
  minSentences: 2
`

func TestRegisterPlugins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	reg := task.NewRegistry()
	n, err := Register(reg, dir)
	if err != nil {
		t.Fatalf("register plugins: %v", err)
	}
	if n != 1 {
		t.Fatalf("registered %d plugins, want 1", n)
	}

	mod, err := reg.Resolve("yaml-plugin")
	if err != nil {
		t.Fatalf("resolve plugin: %v", err)
	}
	sel, ok := mod.(stage.Selective)
	if !ok {
		t.Fatalf("plugin module should narrow its stage set")
	}
	if !sel.ImplementsStage(stage.StageCritique) || !sel.ImplementsStage(stage.StageRefine) {
		t.Fatalf("critique/refine sections should enable their stages")
	}
	if sel.ImplementsStage(stage.StageParsing) {
		t.Fatalf("parsing should stay off without a parse section")
	}
}

func TestRegisterPluginsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("name: dup\nprompt: p\n"), 0644); err != nil {
			t.Fatalf("write plugin: %v", err)
		}
	}
	if _, err := Register(task.NewRegistry(), dir); err == nil {
		t.Fatalf("expected duplicate task name to fail registration")
	}
}

func TestRegisterPluginsMissingDir(t *testing.T) {
	n, err := Register(task.NewRegistry(), filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if n != 0 {
		t.Fatalf("registered %d plugins from a missing dir", n)
	}
}
