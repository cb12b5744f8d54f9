package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/The-Kiln/internal/stage"
	"github.com/kingrea/The-Kiln/internal/task"
	"github.com/kingrea/The-Kiln/internal/tasks/generate"
)

// Register discovers YAML and Go task definitions under dir and registers
// each as a generate-backed module. It returns how many were registered.
func Register(reg *task.Registry, dir string) (int, error) {
	if reg == nil {
		return 0, nil
	}
	yamlDefs, err := LoadDefinitionDir(dir)
	if err != nil {
		return 0, err
	}
	goDefs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		return 0, err
	}
	defs := append(yamlDefs, goDefs...)
	if len(defs) == 0 {
		return 0, nil
	}
	seen := make(map[string]string)
	for _, file := range defs {
		def := file.Definition
		if existing, ok := seen[def.Name]; ok {
			return 0, fmt.Errorf("plugin: duplicate task name %s (%s and %s)", def.Name, existing, file.Path)
		}
		seen[def.Name] = file.Path
		defCopy := def
		if err := reg.Register(defCopy.Name, func() (stage.Module, error) {
			return generate.New(defCopy), nil
		}); err != nil {
			return 0, fmt.Errorf("plugin: register %s from %s: %w", def.Name, file.Path, err)
		}
	}
	return len(seen), nil
}

// scanPluginDir lists the plain files directly under dir whose names pass
// keep, sorted by path. A blank or missing directory yields no paths.
func scanPluginDir(dir string, keep func(name string) bool) ([]string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !keep(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
