package plugins

import (
	"fmt"
	"path/filepath"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/The-Kiln/internal/task"
)

// Each Go plugin file declares
//
//	func TaskDefinitions() ([]map[string]any, error)
//
// and the raw maps it returns go through the same validation as the
// YAML files.
const goDefinitionFunc = "TaskDefinitions"

// LoadGoDefinitionDir interprets every *.go file directly under dir with
// yaegi and collects the definitions each one declares. A missing
// directory means no plugins, not an error.
func LoadGoDefinitionDir(dir string) ([]DefinitionFile, error) {
	paths, err := scanPluginDir(dir, func(name string) bool {
		return filepath.Ext(name) == ".go"
	})
	if err != nil {
		return nil, err
	}
	var defs []DefinitionFile
	for _, path := range paths {
		raws, err := evalDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		for idx, raw := range raws {
			def, err := task.DefinitionFromMap(raw)
			if err != nil {
				return nil, fmt.Errorf("plugin: %s definition %d: %w", path, idx+1, err)
			}
			defs = append(defs, DefinitionFile{
				Definition: def,
				Path:       fmt.Sprintf("%s#%d", path, idx+1),
			})
		}
	}
	return defs, nil
}

// evalDefinitionFile runs one plugin file in a fresh interpreter and calls
// its TaskDefinitions. The interpreter is discarded afterwards; only the
// returned maps survive.
func evalDefinitionFile(path string) ([]map[string]any, error) {
	ip := interp.New(interp.Options{})
	if err := ip.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: %s: stdlib symbols: %w", path, err)
	}
	if _, err := ip.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	sym, err := ip.Eval(goDefinitionFunc)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must declare %s: %w", path, goDefinitionFunc, err)
	}
	switch fn := sym.Interface().(type) {
	case func() ([]map[string]any, error):
		raws, err := fn()
		if err != nil {
			return nil, fmt.Errorf("plugin: %s: %s: %w", path, goDefinitionFunc, err)
		}
		return raws, nil
	case func() []map[string]any:
		return fn(), nil
	default:
		return nil, fmt.Errorf("plugin: %s: %s is %T, want func() ([]map[string]any, error)", path, goDefinitionFunc, sym.Interface())
	}
}
