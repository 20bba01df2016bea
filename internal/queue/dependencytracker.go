package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
)

// DependencyTracker maintains the dependency graph and schedules tasks
// whose requirements are gone. Requirements are deleted as they are
// satisfied; an empty requirement set is the definition of schedulable.
type DependencyTracker struct {
	tasks     postgres.TaskStore
	deps      postgres.DependencyStore
	queue     redisq.QueueService
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// TrackDependencies registers a new task's edges and reports whether
// anything still blocks it. Unusable dependencies (missing, or
// expiring before the task's deadline) roll the task and its edges
// back and return *domain.DependencyError.
func (d *DependencyTracker) TrackDependencies(ctx context.Context, task *domain.Task) (blocked bool, err error) {
	if len(task.Dependencies) == 0 {
		return false, nil
	}

	if err := d.deps.AddEdges(ctx, task.TaskID, task.Requires, task.Dependencies, task.Expires); err != nil {
		return false, err
	}

	var missing, expiring []string
	for _, requiredID := range task.Dependencies {
		required, err := d.tasks.Get(ctx, requiredID)
		if err != nil {
			var notFound *domain.TaskNotFoundError
			if errors.As(err, &notFound) {
				missing = append(missing, requiredID)
				continue
			}
			return false, err
		}
		if required.Expires.Before(task.Deadline) {
			expiring = append(expiring, requiredID)
			continue
		}
		// Dependencies resolved before we got here count as satisfied
		// now; the resolved hint may already have come and gone.
		if required.IsResolved() && required.Resolution().Satisfies(task.Requires) {
			if err := d.deps.MarkSatisfied(ctx, task.TaskID, requiredID); err != nil {
				return false, err
			}
		}
	}

	if len(missing) > 0 || len(expiring) > 0 {
		// Roll back so a later createTask with a fixed definition can
		// start clean.
		if err := d.deps.RemoveEdges(ctx, task.TaskID); err != nil {
			return false, err
		}
		if err := d.tasks.Delete(ctx, task.TaskID); err != nil {
			return false, err
		}
		return false, &domain.DependencyError{TaskID: task.TaskID, Missing: missing, Expiring: expiring}
	}

	return d.deps.HasUnsatisfied(ctx, task.TaskID)
}

// ScheduleTask appends run 0 if the task has no runs and announces the
// pending run. Re-announcing an already pending task is deliberate:
// hints are an over-approximation and repair lost messages.
func (d *DependencyTracker) ScheduleTask(ctx context.Context, task *domain.Task) (*domain.TaskStatus, error) {
	now := d.now()
	if task.Deadline.Before(now) {
		return nil, &domain.ConflictError{TaskID: task.TaskID, RunID: 0, Reason: "deadline exceeded"}
	}

	modified, err := d.tasks.Modify(ctx, task.TaskID, func(t *domain.Task) error {
		if len(t.Runs) > 0 {
			return nil
		}
		t.AppendRun(domain.ReasonScheduled, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	last := modified.LastRun()
	if last.State == domain.RunPending {
		if _, err := d.queue.PutPendingMessage(ctx, modified.TaskQueueID(), modified.Priority, modified.TaskID, last.RunID, modified.Deadline); err != nil {
			return nil, err
		}
		if err := d.publisher.TaskPending(ctx, modified.Status(), last.RunID, modified.Routes); err != nil {
			d.logger.Error("publish task-pending failed",
				slog.String("task_id", modified.TaskID), slog.String("error", err.Error()))
		}
	}

	status := modified.Status()
	return &status, nil
}

// ResolveTask fans a task's resolution out to its dependents:
// satisfied requirements are deleted and tasks left with none are
// scheduled. Called by the dependency resolver for every resolution
// hint; re-running after a partial failure converges because every
// step is idempotent.
func (d *DependencyTracker) ResolveTask(ctx context.Context, taskID string, resolution domain.Resolution) error {
	continuation := ""
	for {
		edges, next, err := d.deps.Dependents(ctx, taskID, continuation, listPageSize)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if !resolution.Satisfies(edge.Requires) {
				// The dependent can never become schedulable this way;
				// it sits until its deadline resolves it.
				continue
			}
			if err := d.deps.MarkSatisfied(ctx, edge.DependentID, taskID); err != nil {
				return err
			}
			stillBlocked, err := d.deps.HasUnsatisfied(ctx, edge.DependentID)
			if err != nil {
				return err
			}
			if stillBlocked {
				continue
			}
			dependent, err := d.tasks.Get(ctx, edge.DependentID)
			if err != nil {
				var notFound *domain.TaskNotFoundError
				if errors.As(err, &notFound) {
					// Dependent expired in the meantime; nothing to schedule.
					continue
				}
				return err
			}
			if len(dependent.Runs) > 0 || dependent.Deadline.Before(d.now()) {
				continue
			}
			if _, err := d.ScheduleTask(ctx, dependent); err != nil {
				var conflict *domain.ConflictError
				if errors.As(err, &conflict) {
					continue
				}
				return err
			}
		}
		if next == "" {
			return nil
		}
		continuation = next
	}
}
