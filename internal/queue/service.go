// Package queue implements the core task queue: task lifecycle
// operations, dependency tracking, work claiming and the resolver
// loops that enforce claims and deadlines.
//
// The layering rule throughout: Postgres rows are the truth, Redis
// messages are hints and Kafka events are announcements. Every
// consumer of a hint validates against the store before mutating,
// mutates with a conditional compare-and-swap, notifies only when its
// own mutation caused the transition and acknowledges the hint
// unconditionally afterwards.
package queue

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/telemetry"
)

const (
	// DefaultClaimTimeout is how long a claim lasts before the claim
	// resolver may take the run back.
	DefaultClaimTimeout = 20 * time.Minute

	// DefaultDeadlineDelay is how long after a task's deadline its
	// deadline hint becomes visible. The margin gives in-flight
	// resolutions time to land first.
	DefaultDeadlineDelay = 10 * time.Minute

	// listPageSize is the page size for group listings and dependency
	// fan-out.
	listPageSize = 100
)

// Service is the queue core. All API operations land here; the gateway
// is a thin HTTP adapter in front of it.
type Service struct {
	tasks     postgres.TaskStore
	deps      postgres.DependencyStore
	groups    postgres.GroupStore
	artifacts postgres.ArtifactStore
	queue     redisq.QueueService
	publisher notify.Publisher
	tracker   *DependencyTracker
	claimer   *WorkClaimer
	logger    *slog.Logger
	now       func() time.Time

	deadlineDelay time.Duration
	claimTimeout  time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithDeadlineDelay(d time.Duration) Option {
	return func(s *Service) { s.deadlineDelay = d }
}
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Service) { s.claimTimeout = d }
}

// NewService wires the queue core from its backing stores.
func NewService(
	tasks postgres.TaskStore,
	deps postgres.DependencyStore,
	groups postgres.GroupStore,
	artifacts postgres.ArtifactStore,
	queueSvc redisq.QueueService,
	publisher notify.Publisher,
	creds CredentialIssuer,
	opts ...Option,
) *Service {
	s := &Service{
		tasks:         tasks,
		deps:          deps,
		groups:        groups,
		artifacts:     artifacts,
		queue:         queueSvc,
		publisher:     publisher,
		logger:        slog.Default(),
		now:           time.Now,
		deadlineDelay: DefaultDeadlineDelay,
		claimTimeout:  DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = &DependencyTracker{
		tasks:     tasks,
		deps:      deps,
		queue:     queueSvc,
		publisher: publisher,
		logger:    s.logger,
		now:       s.now,
	}
	s.claimer = &WorkClaimer{
		tasks:        tasks,
		queue:        queueSvc,
		publisher:    publisher,
		creds:        creds,
		claimTimeout: s.claimTimeout,
		logger:       s.logger,
		now:          s.now,
		pollers:      make(map[string]*hintPoller),
	}
	return s
}

// Tracker exposes the dependency tracker for the resolver loops.
func (s *Service) Tracker() *DependencyTracker { return s.tracker }

// CreateTask inserts a task, tracks its dependencies and schedules it
// if nothing blocks it. Calling it again with an identical definition
// is a no-op returning the current status.
func (s *Service) CreateTask(ctx context.Context, taskID string, def domain.TaskDefinition) (*domain.TaskStatus, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.create_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	now := s.now()
	def.ApplyDefaults()
	if def.TaskGroupID == "" {
		def.TaskGroupID = taskID
	}
	if err := def.Validate(taskID, now); err != nil {
		return nil, err
	}

	log := s.logger.With(slog.String("task_id", taskID))

	if err := s.groups.Ensure(ctx, def.TaskGroupID, def.SchedulerID, def.Expires); err != nil {
		return nil, err
	}

	// The deadline hint goes in before the task exists, so even a
	// crash mid-create leaves the task covered by deadline resolution.
	if err := s.queue.PutDeadlineMessage(ctx, taskID, def.SchedulerID, def.Deadline, s.deadlineDelay); err != nil {
		return nil, err
	}

	task := &domain.Task{
		TaskID:         taskID,
		TaskDefinition: def,
		RetriesLeft:    def.Retries,
	}
	stored, created, err := s.tasks.Create(ctx, task)
	if err != nil {
		return nil, err
	}
	if !created {
		if !stored.TaskDefinition.Equal(&def) {
			return nil, &domain.TaskExistsError{TaskID: taskID}
		}
		status := stored.Status()
		return &status, nil
	}

	blocked, err := s.tracker.TrackDependencies(ctx, stored)
	if err != nil {
		return nil, err
	}

	// Every first creation announces task-defined, and it goes out
	// before any task-pending for the same task.
	if err := s.publisher.TaskDefined(ctx, stored.Status(), stored.Routes); err != nil {
		log.Error("publish task-defined failed", slog.String("error", err.Error()))
	}

	if blocked {
		status := stored.Status()
		telemetry.APITasksCreated.Inc()
		log.Info("task created, blocked on dependencies")
		return &status, nil
	}

	status, err := s.tracker.ScheduleTask(ctx, stored)
	if err != nil {
		return nil, err
	}
	telemetry.APITasksCreated.Inc()
	log.Info("task created and scheduled")
	return status, nil
}

// ScheduleTask schedules a task right away, overriding any unsatisfied
// dependencies. Idempotent: an already scheduled task returns its
// current status.
func (s *Service) ScheduleTask(ctx context.Context, taskID string) (*domain.TaskStatus, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.tracker.ScheduleTask(ctx, task)
}

// RerunTask appends a fresh pending run to a resolved task and resets
// its retry budget. A pending or running task is returned unchanged.
func (s *Service) RerunTask(ctx context.Context, taskID string) (*domain.TaskStatus, error) {
	now := s.now()

	task, err := s.tasks.Modify(ctx, taskID, func(t *domain.Task) error {
		if len(t.Runs) >= domain.MaxRunsAllowed {
			return &domain.ConflictError{TaskID: taskID, RunID: len(t.Runs) - 1,
				Reason: "run limit reached"}
		}
		if t.Deadline.Before(now) {
			return &domain.ConflictError{TaskID: taskID, RunID: len(t.Runs) - 1,
				Reason: "deadline exceeded"}
		}
		last := t.LastRun()
		if last != nil && !last.State.IsTerminal() {
			// Already has an active run; nothing to do.
			return nil
		}
		t.AppendRun(domain.ReasonScheduled, now)
		// The fresh budget may never push the run count past the cap.
		t.RetriesLeft = min(t.Retries, domain.MaxRunsAllowed-len(t.Runs))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.announcePending(ctx, task); err != nil {
		return nil, err
	}
	status := task.Status()
	return &status, nil
}

// CancelTask resolves the active run as exception/canceled. An
// unscheduled task gets a single canceled exception run so its
// dependents resolve. Canceling a resolved task is a no-op.
func (s *Service) CancelTask(ctx context.Context, taskID string) (*domain.TaskStatus, error) {
	now := s.now()

	task, err := s.tasks.Modify(ctx, taskID, func(t *domain.Task) error {
		last := t.LastRun()
		if last != nil && last.State.IsTerminal() {
			// Already resolved; repeated cancels stay no-ops even past
			// the deadline.
			return nil
		}
		if t.Deadline.Before(now) {
			return &domain.ConflictError{TaskID: taskID, RunID: len(t.Runs) - 1,
				Reason: "deadline exceeded"}
		}
		if last == nil {
			runID := t.AppendRun(domain.ReasonException, now)
			t.ResolveRun(runID, domain.RunException, domain.ResolvedCanceled, now)
			return nil
		}
		t.ResolveRun(last.RunID, domain.RunException, domain.ResolvedCanceled, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Publish whenever the last run is canceled, not only when this
	// call did the canceling: a lost earlier notification gets repaired
	// by the retry that follows it.
	last := task.LastRun()
	if last.State == domain.RunException && last.ReasonResolved == domain.ResolvedCanceled {
		status := task.Status()
		if err := s.publisher.TaskException(ctx, status, last.RunID, task.Routes); err != nil {
			s.logger.Error("publish task-exception failed",
				slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
		if err := s.queue.PutResolvedMessage(ctx, taskID, task.SchedulerID, task.TaskGroupID, task.Resolution()); err != nil {
			return nil, err
		}
	}
	status := task.Status()
	return &status, nil
}

// Status returns the current status of a task.
func (s *Service) Status(ctx context.Context, taskID string) (*domain.TaskStatus, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	status := task.Status()
	return &status, nil
}

// GetTask returns a task's full definition.
func (s *Service) GetTask(ctx context.Context, taskID string) (*domain.TaskDefinition, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	def := task.TaskDefinition
	return &def, nil
}

// PendingCount approximates how many runs are pending for a task
// queue. It can overcount; it is meant for capacity estimation.
func (s *Service) PendingCount(ctx context.Context, taskQueueID string) (int, error) {
	return s.queue.CountPendingMessages(ctx, taskQueueID)
}

// ListTaskGroup pages through the statuses of every task in a group.
func (s *Service) ListTaskGroup(ctx context.Context, taskGroupID, continuation string, limit int) ([]domain.TaskStatus, string, error) {
	if _, err := s.groups.Get(ctx, taskGroupID); err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > listPageSize {
		limit = listPageSize
	}
	tasks, next, err := s.tasks.ListGroup(ctx, taskGroupID, continuation, limit)
	if err != nil {
		return nil, "", err
	}
	statuses := make([]domain.TaskStatus, len(tasks))
	for i, t := range tasks {
		statuses[i] = t.Status()
	}
	return statuses, next, nil
}

// Dependents pages through the tasks that depend on the given task.
func (s *Service) Dependents(ctx context.Context, taskID, continuation string, limit int) ([]string, string, error) {
	if limit <= 0 || limit > listPageSize {
		limit = listPageSize
	}
	edges, next, err := s.deps.Dependents(ctx, taskID, continuation, limit)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.DependentID
	}
	return ids, next, nil
}

// ClaimWork leases pending runs for a worker, blocking until at least
// one claim succeeds or ctx is cancelled.
func (s *Service) ClaimWork(ctx context.Context, taskQueueID, workerGroup, workerID string, count int) ([]*Claim, error) {
	return s.claimer.Claim(ctx, taskQueueID, workerGroup, workerID, count)
}

// ClaimTask claims a specific pending run directly, without hints.
func (s *Service) ClaimTask(ctx context.Context, taskID string, runID int, workerGroup, workerID string) (*Claim, error) {
	return s.claimer.ClaimTask(ctx, taskID, runID, workerGroup, workerID, "")
}

// ReclaimTask extends a live claim and issues fresh credentials.
func (s *Service) ReclaimTask(ctx context.Context, taskID string, runID int, workerGroup, workerID string) (*Claim, error) {
	return s.claimer.ReclaimTask(ctx, taskID, runID, workerGroup, workerID)
}

// ReportCompleted resolves a running run as completed.
func (s *Service) ReportCompleted(ctx context.Context, taskID string, runID int, workerGroup, workerID string) (*domain.TaskStatus, error) {
	return s.reportResolved(ctx, taskID, runID, workerGroup, workerID, domain.RunCompleted, domain.ResolvedCompleted)
}

// ReportFailed resolves a running run as failed.
func (s *Service) ReportFailed(ctx context.Context, taskID string, runID int, workerGroup, workerID string) (*domain.TaskStatus, error) {
	return s.reportResolved(ctx, taskID, runID, workerGroup, workerID, domain.RunFailed, domain.ResolvedFailed)
}

func (s *Service) reportResolved(ctx context.Context, taskID string, runID int, workerGroup, workerID string, state domain.RunState, reason domain.ReasonResolved) (*domain.TaskStatus, error) {
	now := s.now()

	// A run only counts as completed once every blob artifact it
	// announced has been uploaded.
	if state == domain.RunCompleted {
		unfinished, err := s.unfinishedArtifact(ctx, taskID, runID)
		if err != nil {
			return nil, err
		}
		if unfinished != "" {
			return nil, &domain.ConflictError{TaskID: taskID, RunID: runID,
				Reason: "artifact " + unfinished + " has not been uploaded"}
		}
	}

	task, err := s.tasks.Modify(ctx, taskID, func(t *domain.Task) error {
		run := t.Run(runID)
		if run == nil {
			return &domain.RunNotFoundError{TaskID: taskID, RunID: runID}
		}
		if run.State == state && run.ReasonResolved == reason {
			// Idempotent re-report.
			return nil
		}
		if run.State != domain.RunRunning {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run is not running"}
		}
		if run.WorkerGroup != workerGroup || run.WorkerID != workerID {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run is claimed by another worker"}
		}
		t.ResolveRun(runID, state, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := task.Status()
	run := task.Run(runID)
	var pubErr error
	if state == domain.RunCompleted {
		pubErr = s.publisher.TaskCompleted(ctx, status, runID, run.WorkerGroup, run.WorkerID, task.Routes)
	} else {
		pubErr = s.publisher.TaskFailed(ctx, status, runID, task.Routes)
	}
	if pubErr != nil {
		s.logger.Error("publish resolution failed",
			slog.String("task_id", taskID), slog.String("error", pubErr.Error()))
	}

	if task.IsResolved() {
		if err := s.queue.PutResolvedMessage(ctx, taskID, task.SchedulerID, task.TaskGroupID, task.Resolution()); err != nil {
			return nil, err
		}
	}
	return &status, nil
}

// ReportException resolves a running run as an exception. Reasons that
// warrant another attempt append a new pending run: worker-shutdown
// consumes the retry budget, intermittent-task does not.
func (s *Service) ReportException(ctx context.Context, taskID string, runID int, workerGroup, workerID string, reason domain.ReasonResolved) (*domain.TaskStatus, error) {
	valid := false
	for _, r := range domain.ExceptionReasons {
		if r == reason {
			valid = true
			break
		}
	}
	if !valid {
		return nil, &domain.ValidationError{Field: "reason", Reason: "unknown exception reason " + string(reason)}
	}

	now := s.now()
	task, err := s.tasks.Modify(ctx, taskID, func(t *domain.Task) error {
		run := t.Run(runID)
		if run == nil {
			return &domain.RunNotFoundError{TaskID: taskID, RunID: runID}
		}
		if run.State == domain.RunException && run.ReasonResolved == reason {
			return nil
		}
		if run.State != domain.RunRunning && run.State != domain.RunPending {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run is already resolved"}
		}
		if run.State == domain.RunRunning && (run.WorkerGroup != workerGroup || run.WorkerID != workerID) {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run is claimed by another worker"}
		}
		t.ResolveRun(runID, domain.RunException, reason, now)

		if t.Deadline.After(now) && len(t.Runs) < domain.MaxRunsAllowed {
			switch reason {
			case domain.ResolvedWorkerShutdown:
				if t.RetriesLeft > 0 {
					t.RetriesLeft--
					t.AppendRun(domain.ReasonRetry, now)
				}
			case domain.ResolvedIntermittentTask:
				t.AppendRun(domain.ReasonTaskRetry, now)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := task.Status()
	last := task.LastRun()
	if last.RunID > runID && last.State == domain.RunPending {
		// A retry run was appended; the task is pending again.
		if err := s.announcePending(ctx, task); err != nil {
			return nil, err
		}
		return &status, nil
	}

	if err := s.publisher.TaskException(ctx, status, runID, task.Routes); err != nil {
		s.logger.Error("publish task-exception failed",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	if task.IsResolved() {
		if err := s.queue.PutResolvedMessage(ctx, taskID, task.SchedulerID, task.TaskGroupID, task.Resolution()); err != nil {
			return nil, err
		}
	}
	return &status, nil
}

// announcePending enqueues a pending hint for the task's last run and
// publishes the pending event. Safe to repeat; hints over-approximate.
func (s *Service) announcePending(ctx context.Context, task *domain.Task) error {
	last := task.LastRun()
	if last == nil || last.State != domain.RunPending {
		return nil
	}
	if _, err := s.queue.PutPendingMessage(ctx, task.TaskQueueID(), task.Priority, task.TaskID, last.RunID, task.Deadline); err != nil {
		return err
	}
	if err := s.publisher.TaskPending(ctx, task.Status(), last.RunID, task.Routes); err != nil {
		s.logger.Error("publish task-pending failed",
			slog.String("task_id", task.TaskID), slog.String("error", err.Error()))
	}
	return nil
}
