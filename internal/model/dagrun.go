package model

import "time"

// RunStatus is the state of a DAG run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TaskStatus is the state of one task within a DAG run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the task will make no further progress.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// DagRun is one execution of a named DAG. Runs are immutable history:
// re-running a DAG creates a fresh row rather than touching old ones.
type DagRun struct {
	ID          string     `json:"id"`
	DagName     string     `json:"dag_name"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TaskRun is one task's outcome within a DAG run.
type TaskRun struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	TaskName     string         `json:"task_name"`
	Status       TaskStatus     `json:"status"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}
