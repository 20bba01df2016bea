package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/telemetry"
)

// ClaimResolver turns expired claims back into pending runs (while
// retries remain) or resolves them as exception/claim-expired.
type ClaimResolver struct {
	tasks     postgres.TaskStore
	queue     redisq.QueueService
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time

	parallelism int
}

// NewClaimResolver builds a claim resolver over the given stores.
func NewClaimResolver(tasks postgres.TaskStore, queueSvc redisq.QueueService, publisher notify.Publisher, logger *slog.Logger, parallelism int) *ClaimResolver {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &ClaimResolver{
		tasks:       tasks,
		queue:       queueSvc,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
		parallelism: parallelism,
	}
}

// Run blocks until ctx is cancelled or the loop gives up.
func (r *ClaimResolver) Run(ctx context.Context) error {
	return runPollingLoop(ctx, "claim", r.logger, r.pollOnce)
}

func (r *ClaimResolver) pollOnce(ctx context.Context) (int, error) {
	messages, err := r.queue.PollClaimQueue(ctx, redisq.DefaultPollLimit)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.parallelism)
	for _, msg := range messages {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg redisq.ClaimMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			r.handle(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return len(messages), nil
}

// handle processes one claim-expiry hint. The message is removed after
// the task state is settled; failures leave it leased so it comes back.
func (r *ClaimResolver) handle(ctx context.Context, msg redisq.ClaimMessage) {
	log := r.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.Int("run_id", msg.RunID),
	)

	task, err := r.tasks.Get(ctx, msg.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			telemetry.ResolverMessages.WithLabelValues("claim", "gone").Inc()
			r.ack(ctx, msg, log)
			return
		}
		log.Error("load task failed", slog.String("error", err.Error()))
		return
	}

	// The claim is only expired if the stored takenUntil is exactly the
	// one this hint was written for; any other value means the run was
	// reclaimed or re-claimed and a newer hint covers it.
	run := task.Run(msg.RunID)
	if run == nil || run.State != domain.RunRunning ||
		run.TakenUntil == nil || !run.TakenUntil.Equal(msg.TakenUntil) {
		telemetry.ResolverMessages.WithLabelValues("claim", "stale").Inc()
		r.ack(ctx, msg, log)
		return
	}

	now := r.now()
	task, err = r.tasks.Modify(ctx, msg.TaskID, func(t *domain.Task) error {
		run := t.Run(msg.RunID)
		if run == nil || run.State != domain.RunRunning ||
			run.TakenUntil == nil || !run.TakenUntil.Equal(msg.TakenUntil) {
			return nil
		}
		t.ResolveRun(msg.RunID, domain.RunException, domain.ResolvedClaimExpired, now)

		// A crashed worker is an infrastructure failure, so it spends
		// the retry budget.
		if t.RetriesLeft > 0 && t.Deadline.After(now) && len(t.Runs) < domain.MaxRunsAllowed {
			t.RetriesLeft--
			t.AppendRun(domain.ReasonRetry, now)
		}
		return nil
	})
	if err != nil {
		log.Error("resolve expired claim failed", slog.String("error", err.Error()))
		return
	}

	run = task.Run(msg.RunID)
	if run == nil || run.State != domain.RunException || run.ReasonResolved != domain.ResolvedClaimExpired {
		telemetry.ResolverMessages.WithLabelValues("claim", "stale").Inc()
		r.ack(ctx, msg, log)
		return
	}

	status := task.Status()
	last := task.LastRun()
	if last.RunID > msg.RunID && last.State == domain.RunPending {
		if _, err := r.queue.PutPendingMessage(ctx, task.TaskQueueID(), task.Priority, task.TaskID, last.RunID, task.Deadline); err != nil {
			log.Error("enqueue retry hint failed", slog.String("error", err.Error()))
			return
		}
		if err := r.publisher.TaskPending(ctx, status, last.RunID, task.Routes); err != nil {
			log.Error("publish task-pending failed", slog.String("error", err.Error()))
		}
		telemetry.ResolverMessages.WithLabelValues("claim", "retried").Inc()
		log.Info("expired claim retried", slog.Int("retries_left", task.RetriesLeft))
	} else {
		if err := r.publisher.TaskException(ctx, status, msg.RunID, task.Routes); err != nil {
			log.Error("publish task-exception failed", slog.String("error", err.Error()))
		}
		if task.IsResolved() {
			if err := r.queue.PutResolvedMessage(ctx, task.TaskID, task.SchedulerID, task.TaskGroupID, task.Resolution()); err != nil {
				log.Error("enqueue resolved hint failed", slog.String("error", err.Error()))
				return
			}
		}
		telemetry.ResolverMessages.WithLabelValues("claim", "expired").Inc()
		log.Info("claim expired, run resolved")
	}

	r.ack(ctx, msg, log)
}

func (r *ClaimResolver) ack(ctx context.Context, msg redisq.ClaimMessage, log *slog.Logger) {
	if err := r.queue.RemoveClaimMessage(ctx, msg.MessageID); err != nil {
		log.Warn("remove claim message failed", slog.String("error", err.Error()))
	}
}
