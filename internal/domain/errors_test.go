package domain_test

import (
	"strings"
	"testing"

	"github.com/tasklane/tasklane/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestRunNotFoundError(t *testing.T) {
	err := &domain.RunNotFoundError{TaskID: "abc-123", RunID: 2}
	msg := err.Error()
	if !strings.Contains(msg, "abc-123") || !strings.Contains(msg, "2") {
		t.Errorf("error message should contain task ID and run ID, got: %q", msg)
	}
}

func TestConflictError(t *testing.T) {
	err := &domain.ConflictError{TaskID: "xyz", RunID: 0, Reason: "run is not pending"}
	if !strings.Contains(err.Error(), "run is not pending") {
		t.Errorf("error message should contain the reason, got: %q", err.Error())
	}
}

func TestDependencyError(t *testing.T) {
	err := &domain.DependencyError{
		TaskID:   "t1",
		Missing:  []string{"dep-a"},
		Expiring: []string{"dep-b"},
	}
	msg := err.Error()
	if !strings.Contains(msg, "dep-a") {
		t.Errorf("error message should list missing deps, got: %q", msg)
	}
	if !strings.Contains(msg, "dep-b") {
		t.Errorf("error message should list expiring deps, got: %q", msg)
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	// Compile-time interface checks via assignment to error variables.
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.RunNotFoundError{}
	var _ error = &domain.TaskExistsError{}
	var _ error = &domain.ConflictError{}
	var _ error = &domain.ValidationError{}
	var _ error = &domain.DependencyError{}
}
