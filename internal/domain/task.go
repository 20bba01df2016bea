package domain

import (
	"slices"
	"time"
)

// RunState represents the states a single run can be in.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunException RunState = "exception"
)

// IsTerminal returns true if no further state transitions are possible.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunException
}

// TaskStateUnscheduled is the derived state of a task with no runs.
// It never appears on a run; only Task.State reports it.
const TaskStateUnscheduled = "unscheduled"

// ReasonCreated explains why a run was appended to a task.
type ReasonCreated string

const (
	ReasonScheduled ReasonCreated = "scheduled"
	ReasonRetry     ReasonCreated = "retry"
	ReasonTaskRetry ReasonCreated = "task-retry"
	ReasonException ReasonCreated = "exception"
)

// ReasonResolved explains how a terminal run ended.
type ReasonResolved string

const (
	ResolvedCompleted           ReasonResolved = "completed"
	ResolvedFailed              ReasonResolved = "failed"
	ResolvedCanceled            ReasonResolved = "canceled"
	ResolvedClaimExpired        ReasonResolved = "claim-expired"
	ResolvedDeadlineExceeded    ReasonResolved = "deadline-exceeded"
	ResolvedWorkerShutdown      ReasonResolved = "worker-shutdown"
	ResolvedIntermittentTask    ReasonResolved = "intermittent-task"
	ResolvedMalformedPayload    ReasonResolved = "malformed-payload"
	ResolvedResourceUnavailable ReasonResolved = "resource-unavailable"
	ResolvedInternalError       ReasonResolved = "internal-error"
	ResolvedSuperseded          ReasonResolved = "superseded"
)

// ExceptionReasons lists the reasons a worker may report via
// reportException. Anything else is a validation error.
var ExceptionReasons = []ReasonResolved{
	ResolvedWorkerShutdown,
	ResolvedIntermittentTask,
	ResolvedMalformedPayload,
	ResolvedResourceUnavailable,
	ResolvedInternalError,
	ResolvedSuperseded,
}

// Resolution is the terminal outcome of a task as seen by its dependents.
type Resolution string

const (
	ResolutionCompleted Resolution = "completed"
	ResolutionFailed    Resolution = "failed"
	ResolutionException Resolution = "exception"
)

// Requires selects the dependency-satisfaction policy of a task.
type Requires string

const (
	// RequiresAllCompleted: every dependency must resolve as completed.
	RequiresAllCompleted Requires = "all-completed"
	// RequiresAllResolved: every dependency must resolve, any way.
	RequiresAllResolved Requires = "all-resolved"
)

// Priority orders pending lanes from most to least urgent.
type Priority string

const (
	PriorityHighest  Priority = "highest"
	PriorityVeryHigh Priority = "very-high"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityVeryLow  Priority = "very-low"
	PriorityLowest   Priority = "lowest"
)

// Priorities lists every priority level from most to least urgent.
// Pending lane sweeps iterate in this order.
var Priorities = []Priority{
	PriorityHighest,
	PriorityVeryHigh,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityVeryLow,
	PriorityLowest,
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	return slices.Contains(Priorities, p)
}

// Run is one attempt at executing a task. RunID always equals the run's
// index in Task.Runs. At most one run may be non-terminal, and only the
// last one.
type Run struct {
	RunID          int            `json:"runId"`
	State          RunState       `json:"state"`
	ReasonCreated  ReasonCreated  `json:"reasonCreated"`
	ReasonResolved ReasonResolved `json:"reasonResolved,omitempty"`
	WorkerGroup    string         `json:"workerGroup,omitempty"`
	WorkerID       string         `json:"workerId,omitempty"`
	HintID         string         `json:"hintId,omitempty"`
	Scheduled      time.Time      `json:"scheduled"`
	Started        *time.Time     `json:"started,omitempty"`
	Resolved       *time.Time     `json:"resolved,omitempty"`
	TakenUntil     *time.Time     `json:"takenUntil,omitempty"`
}

// TaskMetadata is the human-facing description of a task.
type TaskMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
	Source      string `json:"source"`
}

// TaskDefinition is the immutable part of a task, fixed at creation.
// Two createTask calls for the same taskId are idempotent exactly when
// their definitions are identical.
type TaskDefinition struct {
	ProvisionerID string            `json:"provisionerId"`
	WorkerType    string            `json:"workerType"`
	SchedulerID   string            `json:"schedulerId"`
	TaskGroupID   string            `json:"taskGroupId"`
	Dependencies  []string          `json:"dependencies"`
	Requires      Requires          `json:"requires"`
	Routes        []string          `json:"routes"`
	Priority      Priority          `json:"priority"`
	Retries       int               `json:"retries"`
	Created       time.Time         `json:"created"`
	Deadline      time.Time         `json:"deadline"`
	Expires       time.Time         `json:"expires"`
	Scopes        []string          `json:"scopes"`
	Payload       map[string]any    `json:"payload"`
	Metadata      TaskMetadata      `json:"metadata"`
	Tags          map[string]string `json:"tags"`
	Extra         map[string]any    `json:"extra"`
}

// Task is the core domain entity: an immutable definition plus mutable
// run history. All mutation goes through the task store's atomic Modify.
type Task struct {
	TaskID string `json:"taskId"`
	TaskDefinition

	Runs        []Run      `json:"runs"`
	RetriesLeft int        `json:"retriesLeft"`
	TakenUntil  *time.Time `json:"takenUntil,omitempty"`

	// Version is the optimistic-concurrency counter maintained by the
	// task store. Mutators never touch it.
	Version int64 `json:"-"`
}

// TaskQueueID joins provisionerId and workerType into the identifier
// that pending lanes and claim requests are keyed by.
func (t *Task) TaskQueueID() string {
	return t.ProvisionerID + "/" + t.WorkerType
}

// State returns the state of the latest run, or "unscheduled" when the
// task has no runs yet.
func (t *Task) State() string {
	if len(t.Runs) == 0 {
		return TaskStateUnscheduled
	}
	return string(t.Runs[len(t.Runs)-1].State)
}

// LastRun returns a pointer to the latest run, or nil.
func (t *Task) LastRun() *Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[len(t.Runs)-1]
}

// Run returns a pointer to the run with the given id, or nil.
func (t *Task) Run(runID int) *Run {
	if runID < 0 || runID >= len(t.Runs) {
		return nil
	}
	return &t.Runs[runID]
}

// IsResolved reports whether the latest run is terminal.
func (t *Task) IsResolved() bool {
	last := t.LastRun()
	return last != nil && last.State.IsTerminal()
}

// Resolution maps the latest run's state onto the dependency-facing
// resolution. Only meaningful when IsResolved() is true.
func (t *Task) Resolution() Resolution {
	switch t.LastRun().State {
	case RunCompleted:
		return ResolutionCompleted
	case RunFailed:
		return ResolutionFailed
	default:
		return ResolutionException
	}
}

// Satisfies reports whether a task resolved with r satisfies a
// dependent with the given requires policy.
func (r Resolution) Satisfies(requires Requires) bool {
	if requires == RequiresAllResolved {
		return true
	}
	return r == ResolutionCompleted
}

// AppendRun appends a new pending run and returns its runId.
func (t *Task) AppendRun(reason ReasonCreated, now time.Time) int {
	runID := len(t.Runs)
	t.Runs = append(t.Runs, Run{
		RunID:         runID,
		State:         RunPending,
		ReasonCreated: reason,
		Scheduled:     now.UTC(),
	})
	return runID
}

// ResolveRun resolves the given run in place. It does not check state;
// callers decide whether the transition is legal.
func (t *Task) ResolveRun(runID int, state RunState, reason ReasonResolved, now time.Time) {
	run := &t.Runs[runID]
	resolved := now.UTC()
	run.State = state
	run.ReasonResolved = reason
	run.Resolved = &resolved
	run.TakenUntil = nil
	t.TakenUntil = nil
}

// Clone returns a deep copy of the task. Modify mutators operate on a
// clone so a failed compare-and-swap never leaks partial changes.
func (t *Task) Clone() *Task {
	c := *t
	c.Runs = slices.Clone(t.Runs)
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Routes = slices.Clone(t.Routes)
	c.Scopes = slices.Clone(t.Scopes)
	if t.TakenUntil != nil {
		u := *t.TakenUntil
		c.TakenUntil = &u
	}
	return &c
}

// RunStatus is the per-run summary included in a task status.
type RunStatus struct {
	RunID          int            `json:"runId"`
	State          RunState       `json:"state"`
	ReasonCreated  ReasonCreated  `json:"reasonCreated"`
	ReasonResolved ReasonResolved `json:"reasonResolved,omitempty"`
	WorkerGroup    string         `json:"workerGroup,omitempty"`
	WorkerID       string         `json:"workerId,omitempty"`
	Scheduled      time.Time      `json:"scheduled"`
	Started        *time.Time     `json:"started,omitempty"`
	Resolved       *time.Time     `json:"resolved,omitempty"`
	TakenUntil     *time.Time     `json:"takenUntil,omitempty"`
}

// TaskStatus is the projection of a task returned to callers and
// carried in lifecycle notifications.
type TaskStatus struct {
	TaskID        string      `json:"taskId"`
	ProvisionerID string      `json:"provisionerId"`
	WorkerType    string      `json:"workerType"`
	SchedulerID   string      `json:"schedulerId"`
	TaskGroupID   string      `json:"taskGroupId"`
	Deadline      time.Time   `json:"deadline"`
	Expires       time.Time   `json:"expires"`
	RetriesLeft   int         `json:"retriesLeft"`
	State         string      `json:"state"`
	Runs          []RunStatus `json:"runs"`
}

// Status builds the task status projection.
func (t *Task) Status() TaskStatus {
	runs := make([]RunStatus, len(t.Runs))
	for i, r := range t.Runs {
		runs[i] = RunStatus{
			RunID:          i,
			State:          r.State,
			ReasonCreated:  r.ReasonCreated,
			ReasonResolved: r.ReasonResolved,
			WorkerGroup:    r.WorkerGroup,
			WorkerID:       r.WorkerID,
			Scheduled:      r.Scheduled,
			Started:        r.Started,
			Resolved:       r.Resolved,
			TakenUntil:     r.TakenUntil,
		}
	}
	return TaskStatus{
		TaskID:        t.TaskID,
		ProvisionerID: t.ProvisionerID,
		WorkerType:    t.WorkerType,
		SchedulerID:   t.SchedulerID,
		TaskGroupID:   t.TaskGroupID,
		Deadline:      t.Deadline,
		Expires:       t.Expires,
		RetriesLeft:   t.RetriesLeft,
		State:         t.State(),
		Runs:          runs,
	}
}
