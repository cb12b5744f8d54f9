// internal/config/config.go
//
// This package handles the kiln.yaml runtime configuration shared by the
// orchestrator daemon and the per-job worker processes.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is the config file looked up in the working directory
	// when no explicit path is given.
	DefaultFileName = "kiln.yaml"

	// EnvConfigPath overrides the config file location for spawned workers.
	EnvConfigPath = "KILN_CONFIG"

	defaultDataDir           = "pipeline-data"
	defaultWorkerBinary      = "kiln-worker"
	defaultModel             = "gpt-4o-mini"
	defaultControlPlaneHost  = "127.0.0.1"
	defaultControlPlanePort  = 8613
	defaultBatchWorkers      = 4
	defaultMaxRefineLoops    = 2
	defaultMaxRetries        = 3
	defaultGracePeriod       = 2 * time.Second
	defaultWatchInterval     = 750 * time.Millisecond
	defaultRequestTimeout    = 60 * time.Second
	defaultLogbookFileName   = "kiln.log"
	defaultPluginsDirectory  = "plugins"
	defaultAPIKeyEnvVariable = "OPENAI_API_KEY"
)

const defaultConfigYAML = `# kiln configuration
version: 1

# Root of the job queue tree (pending/, current/, complete/, rejected/).
data_dir: pipeline-data

worker:
  # Binary spawned once per job; resolved against PATH when not a path.
  binary: kiln-worker
  # How long a child gets after SIGTERM before SIGKILL.
  grace_period: 2s

engine:
  # Upper bound on validate -> critique -> refine -> re-template passes.
  max_refinement_loops: 2

batch:
  # Worker pool size for artifact batch runs.
  workers: 4

llm:
  model: gpt-4o-mini
  request_timeout: 60s
  max_retries: 3
  endpoints:
    - base_url: https://api.openai.com
      api_key_env: OPENAI_API_KEY

control_plane:
  enabled: true
  host: 127.0.0.1
  port: 8613

plugins:
  # Directory scanned for task definitions (*.yaml and *.go).
  dir: plugins

watch:
  # Poll interval for the pending directory.
  interval: 750ms
`

// Duration wraps time.Duration so config values can be written as "2s".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WorkerConfig controls how job worker processes are spawned and stopped.
type WorkerConfig struct {
	Binary      string   `yaml:"binary"`
	GracePeriod Duration `yaml:"grace_period"`
}

// EngineConfig bounds the stage engine's refinement loop.
type EngineConfig struct {
	MaxRefinementLoops int `yaml:"max_refinement_loops"`
}

// BatchConfig sizes the artifact batch worker pool.
type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// EndpointConfig names one OpenAI-compatible endpoint and the environment
// variable holding its key. Keys never live in the config file itself.
type EndpointConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// LLMConfig configures the chat-completion client.
type LLMConfig struct {
	Model          string           `yaml:"model"`
	RequestTimeout Duration         `yaml:"request_timeout"`
	MaxRetries     int              `yaml:"max_retries"`
	Endpoints      []EndpointConfig `yaml:"endpoints"`
}

// ControlPlaneConfig configures the HTTP control surface.
type ControlPlaneConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Address returns the host:port the control plane binds to.
func (c ControlPlaneConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PluginsConfig locates out-of-tree task definitions.
type PluginsConfig struct {
	Dir string `yaml:"dir"`
}

// WatchConfig tunes the pending-directory poll watcher.
type WatchConfig struct {
	Interval Duration `yaml:"interval"`
}

// Config models kiln.yaml plus the resolved paths derived from it.
type Config struct {
	Version      int                `yaml:"version"`
	DataDir      string             `yaml:"data_dir"`
	Worker       WorkerConfig       `yaml:"worker"`
	Engine       EngineConfig       `yaml:"engine"`
	Batch        BatchConfig        `yaml:"batch"`
	LLM          LLMConfig          `yaml:"llm"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	Watch        WatchConfig        `yaml:"watch"`

	// baseDir anchors relative paths; the directory the config file lives in.
	baseDir string `yaml:"-"`
}

// Load reads the config at path. An empty path falls back to $KILN_CONFIG and
// then ./kiln.yaml. A missing file yields the built-in defaults so a bare
// checkout still runs.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultFileName
	}

	cfg := &Config{baseDir: filepath.Dir(path)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides(os.Getenv)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// EnsureDefaultConfig writes the starter kiln.yaml if none exists yet.
func EnsureDefaultConfig(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultFileName
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Worker.Binary) == "" {
		c.Worker.Binary = defaultWorkerBinary
	}
	if c.Worker.GracePeriod <= 0 {
		c.Worker.GracePeriod = Duration(defaultGracePeriod)
	}
	if c.Engine.MaxRefinementLoops <= 0 {
		c.Engine.MaxRefinementLoops = defaultMaxRefineLoops
	}
	if c.Batch.Workers <= 0 {
		c.Batch.Workers = defaultBatchWorkers
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		c.LLM.Model = defaultModel
	}
	if c.LLM.RequestTimeout <= 0 {
		c.LLM.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = defaultMaxRetries
	}
	if len(c.LLM.Endpoints) == 0 {
		c.LLM.Endpoints = []EndpointConfig{{
			BaseURL:   "https://api.openai.com",
			APIKeyEnv: defaultAPIKeyEnvVariable,
		}}
	}
	if strings.TrimSpace(c.ControlPlane.Host) == "" {
		c.ControlPlane.Host = defaultControlPlaneHost
	}
	if c.ControlPlane.Port == 0 {
		c.ControlPlane.Port = defaultControlPlanePort
	}
	if strings.TrimSpace(c.Plugins.Dir) == "" {
		c.Plugins.Dir = defaultPluginsDirectory
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = Duration(defaultWatchInterval)
	}
}

// applyEnvOverrides lets deployment environments adjust paths and the control
// plane without editing the config file. getenv is injectable for tests.
func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("KILN_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(getenv("KILN_WORKER_BINARY")); v != "" {
		c.Worker.Binary = v
	}
	if v := strings.TrimSpace(getenv("KILN_PLUGINS_DIR")); v != "" {
		c.Plugins.Dir = v
	}
	if v := strings.TrimSpace(getenv("KILN_CONTROL_HOST")); v != "" {
		c.ControlPlane.Host = v
	}
	if v := strings.TrimSpace(getenv("KILN_CONTROL_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ControlPlane.Port = port
		}
	}
}

func (c *Config) normalize() {
	c.DataDir = resolvePath(c.baseDir, c.DataDir)
	c.Plugins.Dir = resolvePath(c.baseDir, c.Plugins.Dir)
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	c.ControlPlane.Host = strings.TrimSpace(c.ControlPlane.Host)
	for i := range c.LLM.Endpoints {
		c.LLM.Endpoints[i].BaseURL = strings.TrimRight(strings.TrimSpace(c.LLM.Endpoints[i].BaseURL), "/")
		c.LLM.Endpoints[i].APIKeyEnv = strings.TrimSpace(c.LLM.Endpoints[i].APIKeyEnv)
	}
	// The worker binary stays as-is when it is a bare name so exec.LookPath
	// can resolve it; explicit paths are anchored like every other path.
	if strings.ContainsRune(c.Worker.Binary, os.PathSeparator) {
		c.Worker.Binary = resolvePath(c.baseDir, c.Worker.Binary)
	}
}

func (c *Config) validate() error {
	if c.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Worker.Binary == "" {
		return fmt.Errorf("worker.binary is required")
	}
	if c.ControlPlane.Port < 0 || c.ControlPlane.Port > 65535 {
		return fmt.Errorf("control_plane.port %d out of range", c.ControlPlane.Port)
	}
	for i, ep := range c.LLM.Endpoints {
		if ep.BaseURL == "" {
			return fmt.Errorf("llm.endpoints[%d]: base_url is required", i)
		}
	}
	return nil
}

// LogbookPath returns the operator logbook location inside the data dir.
func (c *Config) LogbookPath() string {
	return filepath.Join(c.DataDir, defaultLogbookFileName)
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	if base == "" || base == "." {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
