// internal/task/seed.go
//
// Seed documents describe one job: an ordered list of named tasks, each
// bound to a registered module with an optional input block.

package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kingrea/The-Kiln/internal/pipeline"
)

// SeedTask is one task entry in a job seed.
type SeedTask struct {
	Name   string         `json:"name"`
	Module string         `json:"module"`
	Input  map[string]any `json:"input,omitempty"`
}

// Seed is the parsed job seed document. Pipeline is a free-form label
// recorded verbatim in the job status.
type Seed struct {
	Name     string     `json:"name,omitempty"`
	Pipeline string     `json:"pipeline,omitempty"`
	Tasks    []SeedTask `json:"tasks"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("task: decode seed: %w", err)
	}
	if errs := seed.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("task: invalid seed: %w", errors.Join(errs...))
	}
	return &seed, nil
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("task: read seed: %w", err)
	}
	return ParseSeed(data)
}

// Validate collects every structural problem in the seed.
func (s *Seed) Validate() []error {
	var errs []error
	if len(s.Tasks) == 0 {
		errs = append(errs, errors.New("seed defines no tasks"))
	}
	seen := make(map[string]int, len(s.Tasks))
	for i, task := range s.Tasks {
		if task.Name == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].name is required", i))
		} else if !pipeline.ValidTaskName(task.Name) {
			errs = append(errs, fmt.Errorf("tasks[%d].name %q may only contain letters, digits, '_' and '-'", i, task.Name))
		} else if prev, dup := seen[task.Name]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d].name %q duplicates tasks[%d]", i, task.Name, prev))
		} else {
			seen[task.Name] = i
		}
		if task.Module == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].module is required", i))
		}
	}
	return errs
}

// TaskNames returns the task names in seed order.
func (s *Seed) TaskNames() []string {
	names := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		names[i] = t.Name
	}
	return names
}

// Task returns the entry with the given name.
func (s *Seed) Task(name string) (*SeedTask, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].Name == name {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}
