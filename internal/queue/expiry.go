package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/telemetry"
)

// expiryBatch bounds how many rows one delete statement touches, so a
// large backlog never holds a long transaction.
const expiryBatch = 1000

// idleLaneWindow is how long a pending lane may go untouched before
// its garbage collection.
const idleLaneWindow = 10 * 24 * time.Hour

// ExpiryJobs removes data past its expiration: tasks, dependency
// edges, task groups, artifacts and idle pending lanes. Each job loops
// in batches until a batch comes back short.
type ExpiryJobs struct {
	tasks     postgres.TaskStore
	deps      postgres.DependencyStore
	groups    postgres.GroupStore
	artifacts postgres.ArtifactStore
	queue     redisq.QueueService
	logger    *slog.Logger
	now       func() time.Time
}

// NewExpiryJobs builds the expiry job set.
func NewExpiryJobs(
	tasks postgres.TaskStore,
	deps postgres.DependencyStore,
	groups postgres.GroupStore,
	artifacts postgres.ArtifactStore,
	queueSvc redisq.QueueService,
	logger *slog.Logger,
) *ExpiryJobs {
	return &ExpiryJobs{
		tasks:     tasks,
		deps:      deps,
		groups:    groups,
		artifacts: artifacts,
		queue:     queueSvc,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *ExpiryJobs) runBatches(ctx context.Context, entity string, del func(context.Context, time.Time, int) (int, error)) {
	now := e.now()
	total := 0
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := del(ctx, now, expiryBatch)
		if err != nil {
			e.logger.Error("expiry job failed",
				slog.String("entity", entity), slog.String("error", err.Error()))
			return
		}
		total += n
		telemetry.ExpiredRows.WithLabelValues(entity).Add(float64(n))
		if n < expiryBatch {
			break
		}
	}
	if total > 0 {
		e.logger.Info("expiry job done",
			slog.String("entity", entity), slog.Int("removed", total))
	}
}

// ExpireTasks removes tasks whose expires has passed.
func (e *ExpiryJobs) ExpireTasks(ctx context.Context) {
	e.runBatches(ctx, "tasks", e.tasks.ExpireTasks)
}

// ExpireDependencies removes expired dependency edges.
func (e *ExpiryJobs) ExpireDependencies(ctx context.Context) {
	e.runBatches(ctx, "dependencies", e.deps.ExpireEdges)
}

// ExpireGroups removes expired, emptied task groups.
func (e *ExpiryJobs) ExpireGroups(ctx context.Context) {
	e.runBatches(ctx, "task_groups", e.groups.ExpireGroups)
}

// ExpireArtifacts removes expired artifact records.
func (e *ExpiryJobs) ExpireArtifacts(ctx context.Context) {
	e.runBatches(ctx, "artifacts", e.artifacts.ExpireArtifacts)
}

// ExpireLanes garbage-collects pending lanes for retired task queues.
func (e *ExpiryJobs) ExpireLanes(ctx context.Context) {
	n, err := e.queue.DeleteIdleLanes(ctx, idleLaneWindow)
	if err != nil {
		e.logger.Error("expiry job failed",
			slog.String("entity", "pending_lanes"), slog.String("error", err.Error()))
		return
	}
	telemetry.ExpiredRows.WithLabelValues("pending_lanes").Add(float64(n))
	if n > 0 {
		e.logger.Info("expiry job done",
			slog.String("entity", "pending_lanes"), slog.Int("removed", n))
	}
}
