package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/telemetry"
)

// DependencyResolver consumes resolution hints and fans each one out
// to the resolved task's dependents via the dependency tracker. It
// also notices when a resolution completes a whole task group.
type DependencyResolver struct {
	tracker   *DependencyTracker
	tasks     postgres.TaskStore
	queue     redisq.QueueService
	publisher notify.Publisher
	logger    *slog.Logger

	parallelism int
}

// NewDependencyResolver builds a dependency resolver around a tracker.
func NewDependencyResolver(tracker *DependencyTracker, tasks postgres.TaskStore, queueSvc redisq.QueueService, publisher notify.Publisher, logger *slog.Logger, parallelism int) *DependencyResolver {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &DependencyResolver{
		tracker:     tracker,
		tasks:       tasks,
		queue:       queueSvc,
		publisher:   publisher,
		logger:      logger,
		parallelism: parallelism,
	}
}

// Run blocks until ctx is cancelled or the loop gives up.
func (r *DependencyResolver) Run(ctx context.Context) error {
	return runPollingLoop(ctx, "dependency", r.logger, r.pollOnce)
}

func (r *DependencyResolver) pollOnce(ctx context.Context) (int, error) {
	messages, err := r.queue.PollResolvedQueue(ctx, redisq.DefaultPollLimit)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.parallelism)
	for _, msg := range messages {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg redisq.ResolutionMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			r.handle(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return len(messages), nil
}

func (r *DependencyResolver) handle(ctx context.Context, msg redisq.ResolutionMessage) {
	log := r.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.String("resolution", string(msg.Resolution)),
	)

	if err := r.tracker.ResolveTask(ctx, msg.TaskID, msg.Resolution); err != nil {
		// Leave the message leased; re-delivery re-runs the fan-out,
		// which is idempotent.
		log.Error("dependency fan-out failed", slog.String("error", err.Error()))
		return
	}

	r.checkGroupResolved(ctx, msg, log)

	if err := r.queue.RemoveResolvedMessage(ctx, msg.MessageID); err != nil {
		log.Warn("remove resolved message failed", slog.String("error", err.Error()))
	}
	telemetry.ResolverMessages.WithLabelValues("dependency", "resolved").Inc()
}

// checkGroupResolved publishes task-group-resolved when every task in
// the resolved task's group is terminal. The group id comes from the
// message payload, so the check still fires when the resolved task has
// already expired out of the store. Best effort: a failure here never
// blocks the fan-out acknowledgement.
func (r *DependencyResolver) checkGroupResolved(ctx context.Context, msg redisq.ResolutionMessage, log *slog.Logger) {
	if msg.TaskGroupID == "" {
		return
	}

	continuation := ""
	for {
		members, next, err := r.tasks.ListGroup(ctx, msg.TaskGroupID, continuation, listPageSize)
		if err != nil {
			log.Warn("group resolution check failed", slog.String("error", err.Error()))
			return
		}
		for _, member := range members {
			if !member.IsResolved() {
				return
			}
		}
		if next == "" {
			break
		}
		continuation = next
	}

	if err := r.publisher.TaskGroupResolved(ctx, msg.TaskGroupID, msg.SchedulerID); err != nil {
		log.Warn("publish task-group-resolved failed", slog.String("error", err.Error()))
	}
}
