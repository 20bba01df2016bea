package domain

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	// MaxClockDrift is the allowance for clock skew between callers and
	// the service when validating timestamps.
	MaxClockDrift = 15 * time.Minute

	// MaxDeadlineHorizon bounds how far in the future a deadline may be.
	MaxDeadlineHorizon = 5 * 24 * time.Hour

	// DefaultExpiration is added to the deadline when expires is omitted.
	DefaultExpiration = 365 * 24 * time.Hour

	// MaxRunsAllowed caps the run history of a single task, bounding
	// retries plus reruns plus exception retries.
	MaxRunsAllowed = 50

	// MaxDependencies caps the dependency list of a single task.
	MaxDependencies = 10000
)

// ApplyDefaults fills optional definition fields in place. Call before
// Validate.
func (d *TaskDefinition) ApplyDefaults() {
	if d.SchedulerID == "" {
		d.SchedulerID = "-"
	}
	if d.Requires == "" {
		d.Requires = RequiresAllCompleted
	}
	if d.Priority == "" {
		d.Priority = PriorityLowest
	}
	if d.Expires.IsZero() {
		d.Expires = d.Deadline.Add(DefaultExpiration)
	}
}

// Validate checks a task definition against creation-time constraints.
// taskGroupId defaults are the caller's concern; taskID is only used in
// messages.
func (d *TaskDefinition) Validate(taskID string, now time.Time) error {
	if d.ProvisionerID == "" {
		return &ValidationError{Field: "provisionerId", Reason: "must not be empty"}
	}
	if d.WorkerType == "" {
		return &ValidationError{Field: "workerType", Reason: "must not be empty"}
	}
	if !d.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", d.Priority)}
	}
	if d.Requires != RequiresAllCompleted && d.Requires != RequiresAllResolved {
		return &ValidationError{Field: "requires", Reason: fmt.Sprintf("unknown requires %q", d.Requires)}
	}
	if d.Retries < 0 || d.Retries >= MaxRunsAllowed {
		return &ValidationError{
			Field:  "retries",
			Reason: fmt.Sprintf("must be between 0 and %d", MaxRunsAllowed-1),
		}
	}
	if d.Created.After(now.Add(MaxClockDrift)) {
		return &ValidationError{Field: "created", Reason: "created is in the future beyond allowed clock drift"}
	}
	if d.Created.Before(now.Add(-MaxClockDrift)) {
		return &ValidationError{Field: "created", Reason: "created is too far in the past"}
	}
	if !d.Deadline.After(now) {
		return &ValidationError{Field: "deadline", Reason: "deadline is in the past"}
	}
	if d.Deadline.After(now.Add(MaxDeadlineHorizon + MaxClockDrift)) {
		return &ValidationError{Field: "deadline", Reason: "deadline is more than 5 days in the future"}
	}
	if d.Expires.Before(d.Deadline) {
		return &ValidationError{Field: "expires", Reason: "expires is before deadline"}
	}
	if len(d.Dependencies) > MaxDependencies {
		return &ValidationError{
			Field:  "dependencies",
			Reason: fmt.Sprintf("at most %d dependencies allowed", MaxDependencies),
		}
	}
	for _, dep := range d.Dependencies {
		if dep == taskID {
			return &ValidationError{Field: "dependencies", Reason: "task cannot depend on itself"}
		}
	}
	for _, scope := range d.Scopes {
		// A double-star anywhere but the end is meaningless, and at the
		// end it grants everything; reject outright.
		if strings.HasSuffix(scope, "**") {
			return &ValidationError{Field: "scopes", Reason: fmt.Sprintf("scope %q must not end in **", scope)}
		}
	}
	if d.Metadata.Name == "" {
		return &ValidationError{Field: "metadata.name", Reason: "must not be empty"}
	}
	return nil
}

// Equal reports whether two definitions are identical, the test that
// makes createTask idempotent.
func (d *TaskDefinition) Equal(o *TaskDefinition) bool {
	if d.ProvisionerID != o.ProvisionerID ||
		d.WorkerType != o.WorkerType ||
		d.SchedulerID != o.SchedulerID ||
		d.TaskGroupID != o.TaskGroupID ||
		d.Requires != o.Requires ||
		d.Priority != o.Priority ||
		d.Retries != o.Retries ||
		!d.Created.Equal(o.Created) ||
		!d.Deadline.Equal(o.Deadline) ||
		!d.Expires.Equal(o.Expires) ||
		d.Metadata != o.Metadata {
		return false
	}
	return stringsEqual(d.Dependencies, o.Dependencies) &&
		stringsEqual(d.Routes, o.Routes) &&
		stringsEqual(d.Scopes, o.Scopes) &&
		reflect.DeepEqual(d.Payload, o.Payload) &&
		reflect.DeepEqual(d.Tags, o.Tags) &&
		reflect.DeepEqual(d.Extra, o.Extra)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
