package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

const goPluginSource = `package main

func TaskDefinitions() ([]map[string]any, error) {
	return []map[string]any{
		{
			"name":   "go-plugin",
			"prompt": "Write about {topic}.",
			"parse": map[string]any{
				"format": "text",
			},
			"validate": map[string]any{
				"minLength": 20,
			},
		},
	}, nil
}`

func TestLoadGoDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go-plugin.go"), []byte(goPluginSource), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	defs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		t.Fatalf("load go defs: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	if defs[0].Definition.Name != "go-plugin" {
		t.Fatalf("unexpected name: %+v", defs[0].Definition)
	}
	if defs[0].Definition.Validate == nil || defs[0].Definition.Validate.MinLength != 20 {
		t.Fatalf("validate section lost in round trip: %+v", defs[0].Definition)
	}
}

func TestLoadGoDefinitionDirMissingFunc(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write broken plugin: %v", err)
	}
	if _, err := LoadGoDefinitionDir(dir); err == nil {
		t.Fatalf("expected error for missing TaskDefinitions function")
	}
}
