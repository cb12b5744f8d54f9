package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "kiln.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Worker.Binary != "kiln-worker" {
		t.Fatalf("worker.binary = %q, want kiln-worker", cfg.Worker.Binary)
	}
	if cfg.Worker.GracePeriod.Std() != 2*time.Second {
		t.Fatalf("grace period = %v, want 2s", cfg.Worker.GracePeriod.Std())
	}
	if cfg.Engine.MaxRefinementLoops != 2 {
		t.Fatalf("max refinement loops = %d, want 2", cfg.Engine.MaxRefinementLoops)
	}
	if cfg.Batch.Workers != 4 {
		t.Fatalf("batch workers = %d, want 4", cfg.Batch.Workers)
	}
	if len(cfg.LLM.Endpoints) != 1 {
		t.Fatalf("expected one default endpoint, got %d", len(cfg.LLM.Endpoints))
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	body := strings.Join([]string{
		"data_dir: queue",
		"plugins:",
		"  dir: defs",
		"watch:",
		"  interval: 250ms",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if want := filepath.Join(dir, "queue"); cfg.DataDir != want {
		t.Fatalf("data_dir = %q, want %q", cfg.DataDir, want)
	}
	if want := filepath.Join(dir, "defs"); cfg.Plugins.Dir != want {
		t.Fatalf("plugins.dir = %q, want %q", cfg.Plugins.Dir, want)
	}
	if cfg.Watch.Interval.Std() != 250*time.Millisecond {
		t.Fatalf("watch interval = %v, want 250ms", cfg.Watch.Interval.Std())
	}
}

func TestLoadRejectsEndpointWithoutBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	body := strings.Join([]string{
		"llm:",
		"  endpoints:",
		"    - api_key_env: SOME_KEY",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for endpoint without base_url")
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	env := map[string]string{
		"KILN_DATA_DIR":     "/srv/kiln",
		"KILN_CONTROL_PORT": "9100",
	}
	cfg.applyEnvOverrides(func(key string) string { return env[key] })
	cfg.normalize()

	if cfg.DataDir != "/srv/kiln" {
		t.Fatalf("data_dir = %q, want /srv/kiln", cfg.DataDir)
	}
	if cfg.ControlPlane.Port != 9100 {
		t.Fatalf("control port = %d, want 9100", cfg.ControlPlane.Port)
	}
}

func TestEnsureDefaultConfigIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	if err := EnsureDefaultConfig(path); err != nil {
		t.Fatalf("first EnsureDefaultConfig: %v", err)
	}
	if err := os.WriteFile(path, []byte("version: 1\ndata_dir: custom\n"), 0o644); err != nil {
		t.Fatalf("overwrite config: %v", err)
	}
	if err := EnsureDefaultConfig(path); err != nil {
		t.Fatalf("second EnsureDefaultConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "data_dir: custom") {
		t.Fatal("EnsureDefaultConfig overwrote an existing config")
	}
}
