package domain

import (
	"fmt"
	"strings"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RunNotFoundError is returned when a run ID does not exist on a task.
type RunNotFoundError struct {
	TaskID string
	RunID  int
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %d not found on task %s", e.RunID, e.TaskID)
}

// TaskExistsError is returned when createTask is called for an existing
// taskId with a different definition.
type TaskExistsError struct {
	TaskID string
}

func (e *TaskExistsError) Error() string {
	return fmt.Sprintf("task %s already exists with a different definition", e.TaskID)
}

// ConflictError is returned when an operation loses a race or targets a
// run in the wrong state, e.g. claiming an already-claimed run.
type ConflictError struct {
	TaskID string
	RunID  int
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on task %s run %d: %s", e.TaskID, e.RunID, e.Reason)
}

// ValidationError is returned when input fails validation before any
// state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DependencyError is returned when a task's dependencies cannot be
// tracked: some do not exist, or expire before the dependent's deadline.
// When returned from createTask the task and its edges have been rolled
// back.
type DependencyError struct {
	TaskID   string
	Missing  []string
	Expiring []string
}

func (e *DependencyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Expiring) > 0 {
		parts = append(parts, fmt.Sprintf("expiring before deadline: %s", strings.Join(e.Expiring, ", ")))
	}
	return fmt.Sprintf("task %s has unusable dependencies (%s)", e.TaskID, strings.Join(parts, "; "))
}
