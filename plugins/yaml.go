package plugins

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/The-Kiln/internal/task"
)

// DefinitionFile pairs a parsed task definition with its on-disk source.
type DefinitionFile struct {
	Definition task.Definition
	Path       string
}

// ParseDefinitionYAML decodes and validates a single plugin definition payload.
func ParseDefinitionYAML(data []byte) (task.Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return task.Definition{}, fmt.Errorf("plugin: definition payload is empty")
	}
	def, err := task.ParseDefinition(data)
	if err != nil {
		return task.Definition{}, fmt.Errorf("plugin: %w", err)
	}
	return def, nil
}

// LoadDefinitionFile reads a YAML file from disk and returns the parsed task definition.
func LoadDefinitionFile(path string) (DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("plugin: %s: %w", path, err)
	}
	return DefinitionFile{Definition: def, Path: filepath.Clean(path)}, nil
}

// LoadDefinitionDir parses every *.yaml and *.yml file directly under dir.
// A missing directory means no plugins, not an error.
func LoadDefinitionDir(dir string) ([]DefinitionFile, error) {
	paths, err := scanPluginDir(dir, func(name string) bool {
		ext := strings.ToLower(filepath.Ext(name))
		return ext == ".yaml" || ext == ".yml"
	})
	if err != nil {
		return nil, err
	}
	var defs []DefinitionFile
	for _, path := range paths {
		def, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
