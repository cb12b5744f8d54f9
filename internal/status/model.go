// internal/status/model.go
//
// The tasks-status.json document: one Job with its per-task execution
// records. Field names are part of the on-disk contract consumed by the
// control plane and the monitor.

package status

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a whole job.
type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
	JobRejected JobState = "rejected"
)

// TaskState is the lifecycle state of one task inside a job.
type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskRunning  TaskState = "running"
	TaskDone     TaskState = "done"
	TaskFailed   TaskState = "failed"
	TaskRejected TaskState = "rejected"
)

// Terminal reports whether a task has finished; terminal tasks are immutable
// until an explicit reset runs.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskRejected
}

var allowedTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskPending: {TaskRunning: true, TaskRejected: true},
	TaskRunning: {TaskDone: true, TaskFailed: true, TaskRejected: true},
}

// CanTransition reports whether a task may move between two states without a
// reset. Terminal states have no outgoing edges.
func CanTransition(from, to TaskState) bool {
	return allowedTaskTransitions[from][to]
}

// FileSet aggregates the scoped file names recorded for a job or task.
type FileSet struct {
	Artifacts []string `json:"artifacts"`
	Logs      []string `json:"logs"`
	Tmp       []string `json:"tmp"`
}

// contains reports membership without assuming sorted input.
func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// AddArtifact records a name once; repeated adds are no-ops.
func (f *FileSet) AddArtifact(name string) bool {
	if contains(f.Artifacts, name) {
		return false
	}
	f.Artifacts = append(f.Artifacts, name)
	return true
}

// AddLog records a name once; repeated adds are no-ops.
func (f *FileSet) AddLog(name string) bool {
	if contains(f.Logs, name) {
		return false
	}
	f.Logs = append(f.Logs, name)
	return true
}

// AddTmp records a name once; repeated adds are no-ops.
func (f *FileSet) AddTmp(name string) bool {
	if contains(f.Tmp, name) {
		return false
	}
	f.Tmp = append(f.Tmp, name)
	return true
}

// LogMeta describes one captured log file.
type LogMeta struct {
	Task      string `json:"task"`
	Stage     string `json:"stage"`
	File      string `json:"file"`
	CreatedAt string `json:"createdAt"`
}

// TokenUsage is one [providerModel, promptTokens, completionTokens] tuple.
// It marshals to the 3-element JSON array form.
type TokenUsage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// MarshalJSON renders the tuple array form.
func (u TokenUsage) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{u.Model, u.PromptTokens, u.CompletionTokens})
}

// UnmarshalJSON parses the tuple array form.
func (u *TokenUsage) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("status: token usage tuple has %d elements, want 3", len(raw))
	}
	model, ok := raw[0].(string)
	if !ok {
		return fmt.Errorf("status: token usage model is %T, want string", raw[0])
	}
	prompt, ok := raw[1].(float64)
	if !ok {
		return fmt.Errorf("status: token usage promptTokens is %T, want number", raw[1])
	}
	completion, ok := raw[2].(float64)
	if !ok {
		return fmt.Errorf("status: token usage completionTokens is %T, want number", raw[2])
	}
	u.Model = model
	u.PromptTokens = int(prompt)
	u.CompletionTokens = int(completion)
	return nil
}

// ErrorInfo is the persisted, normalized form of a task failure. Only
// structured errors reach disk; a bare stringification is a defect.
type ErrorInfo struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Debug   map[string]any `json:"debug,omitempty"`
}

// TaskStatus is one task's execution record.
type TaskStatus struct {
	State              TaskState          `json:"state"`
	StartedAt          string             `json:"startedAt,omitempty"`
	EndedAt            string             `json:"endedAt,omitempty"`
	ExecutionTime      int64              `json:"executionTime,omitempty"`
	CurrentStage       string             `json:"currentStage,omitempty"`
	FailedStage        string             `json:"failedStage,omitempty"`
	Error              *ErrorInfo         `json:"error,omitempty"`
	RefinementAttempts int                `json:"refinementAttempts"`
	TokenUsage         []TokenUsage       `json:"tokenUsage"`
	Files              FileSet            `json:"files"`
	LogMetadata        map[string]LogMeta `json:"logMetadata"`
}

// NewTaskStatus returns a fresh pending record.
func NewTaskStatus() *TaskStatus {
	return &TaskStatus{
		State:       TaskPending,
		TokenUsage:  []TokenUsage{},
		LogMetadata: map[string]LogMeta{},
	}
}

// Job is the whole tasks-status.json document.
type Job struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Pipeline     string                 `json:"pipeline,omitempty"`
	PipelineID   string                 `json:"pipelineId"`
	State        JobState               `json:"state"`
	Current      string                 `json:"current,omitempty"`
	CurrentStage string                 `json:"currentStage,omitempty"`
	CreatedAt    string                 `json:"createdAt"`
	LastUpdated  string                 `json:"lastUpdated"`
	Error        *ErrorInfo             `json:"error,omitempty"`
	Tasks        map[string]*TaskStatus `json:"tasks"`
	Files        FileSet                `json:"files"`
	LogMetadata  map[string]LogMeta     `json:"logMetadata"`
}

// NewJob returns the skeleton document for a job directory that has no
// persisted status yet.
func NewJob(id string, now time.Time) *Job {
	stamp := Timestamp(now)
	return &Job{
		ID:          id,
		Name:        id,
		State:       JobPending,
		CreatedAt:   stamp,
		LastUpdated: stamp,
		Tasks:       map[string]*TaskStatus{},
		LogMetadata: map[string]LogMeta{},
	}
}

// Task returns the record for a task, creating a pending one on first use.
func (j *Job) Task(name string) *TaskStatus {
	if j.Tasks == nil {
		j.Tasks = map[string]*TaskStatus{}
	}
	ts, ok := j.Tasks[name]
	if !ok {
		ts = NewTaskStatus()
		j.Tasks[name] = ts
	}
	return ts
}

// Timestamp renders the canonical RFC 3339 UTC form used across the store.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
