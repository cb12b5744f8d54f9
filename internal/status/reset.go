// internal/status/reset.go
//
// Reset operations, all built on Write. The restart contract only ever uses
// ResetSingleTask and ResetJobToCleanSlate; the cascading variant stays
// unexported.

package status

import (
	"fmt"
	"sort"
)

// ResetSingleTask puts exactly one task back to pending with cleared timing,
// error, and refinement state. Every other task entry is left untouched, as
// is the job-level state.
func (s *Store) ResetSingleTask(jobDir, task string) (*Job, error) {
	if task == "" {
		return nil, fmt.Errorf("status: reset: task name is required")
	}
	return s.Write(jobDir, func(j *Job) error {
		j.Tasks[task] = NewTaskStatus()
		return nil
	})
}

// ResetJobToCleanSlate puts the job back to pending, drops the job-level
// error, and resets every task. Recorded files and log metadata stay; the
// log files they describe remain on disk for inspection.
func (s *Store) ResetJobToCleanSlate(jobDir string) (*Job, error) {
	return s.Write(jobDir, func(j *Job) error {
		j.State = JobPending
		j.Current = ""
		j.CurrentStage = ""
		j.Error = nil
		for name := range j.Tasks {
			j.Tasks[name] = NewTaskStatus()
		}
		return nil
	})
}

// resetJobFromTask resets the named task and everything downstream of it.
// Task order is not persisted in the document, so downstream is approximated
// by lexical name order; that non-determinism is why this primitive is not
// reachable from the restart contract.
func (s *Store) resetJobFromTask(jobDir, task string) (*Job, error) {
	if task == "" {
		return nil, fmt.Errorf("status: reset: task name is required")
	}
	return s.Write(jobDir, func(j *Job) error {
		names := make([]string, 0, len(j.Tasks))
		for name := range j.Tasks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if name >= task {
				j.Tasks[name] = NewTaskStatus()
			}
		}
		j.State = JobPending
		j.Current = ""
		j.CurrentStage = ""
		return nil
	})
}

// AppendTokenUsage pushes one usage tuple onto a task's history. Existing
// entries are never replaced or reordered.
func (s *Store) AppendTokenUsage(jobDir, task string, usage TokenUsage) (*Job, error) {
	if task == "" {
		return nil, fmt.Errorf("status: token usage: task name is required")
	}
	return s.Write(jobDir, func(j *Job) error {
		ts := j.Task(task)
		ts.TokenUsage = append(ts.TokenUsage, usage)
		return nil
	})
}
