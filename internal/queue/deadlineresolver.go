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

// DeadlineResolver guarantees that no task outlives its deadline
// unresolved. Every task gets a deadline hint at creation; by the time
// it becomes visible the deadline has passed, so any run still alive
// is resolved as exception/deadline-exceeded.
type DeadlineResolver struct {
	tasks     postgres.TaskStore
	queue     redisq.QueueService
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time

	parallelism int
}

// NewDeadlineResolver builds a deadline resolver over the given stores.
func NewDeadlineResolver(tasks postgres.TaskStore, queueSvc redisq.QueueService, publisher notify.Publisher, logger *slog.Logger, parallelism int) *DeadlineResolver {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &DeadlineResolver{
		tasks:       tasks,
		queue:       queueSvc,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
		parallelism: parallelism,
	}
}

// Run blocks until ctx is cancelled or the loop gives up.
func (r *DeadlineResolver) Run(ctx context.Context) error {
	return runPollingLoop(ctx, "deadline", r.logger, r.pollOnce)
}

func (r *DeadlineResolver) pollOnce(ctx context.Context) (int, error) {
	messages, err := r.queue.PollDeadlineQueue(ctx, redisq.DefaultPollLimit)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.parallelism)
	for _, msg := range messages {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg redisq.DeadlineMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			r.handle(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return len(messages), nil
}

func (r *DeadlineResolver) handle(ctx context.Context, msg redisq.DeadlineMessage) {
	log := r.logger.With(slog.String("task_id", msg.TaskID))

	task, err := r.tasks.Get(ctx, msg.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			// Created-then-rolled-back, or already expired.
			telemetry.ResolverMessages.WithLabelValues("deadline", "gone").Inc()
			r.ack(ctx, msg, log)
			return
		}
		log.Error("load task failed", slog.String("error", err.Error()))
		return
	}

	if !task.Deadline.Equal(msg.Deadline) {
		// The stored deadline is not the one this hint was written
		// for: the taskId was reused. The current row has its own hint.
		telemetry.ResolverMessages.WithLabelValues("deadline", "stale").Inc()
		r.ack(ctx, msg, log)
		return
	}

	now := r.now()
	changed := false
	task, err = r.tasks.Modify(ctx, msg.TaskID, func(t *domain.Task) error {
		changed = false
		if !t.Deadline.Equal(msg.Deadline) {
			return nil
		}
		if len(t.Runs) == 0 {
			runID := t.AppendRun(domain.ReasonException, now)
			t.ResolveRun(runID, domain.RunException, domain.ResolvedDeadlineExceeded, now)
			changed = true
			return nil
		}
		// Sweep every run: only the last may legally be unresolved,
		// but a bug elsewhere must not leave zombies alive forever.
		for i := range t.Runs {
			if t.Runs[i].State.IsTerminal() {
				continue
			}
			if i != len(t.Runs)-1 {
				r.logger.Error("invariant violation: non-terminal run before last",
					slog.String("task_id", t.TaskID), slog.Int("run_id", i))
			}
			t.ResolveRun(i, domain.RunException, domain.ResolvedDeadlineExceeded, now)
			changed = true
		}
		return nil
	})
	if err != nil {
		log.Error("resolve deadline failed", slog.String("error", err.Error()))
		return
	}

	if changed {
		status := task.Status()
		if err := r.publisher.TaskException(ctx, status, task.LastRun().RunID, task.Routes); err != nil {
			log.Error("publish task-exception failed", slog.String("error", err.Error()))
		}
		if err := r.queue.PutResolvedMessage(ctx, task.TaskID, task.SchedulerID, task.TaskGroupID, task.Resolution()); err != nil {
			log.Error("enqueue resolved hint failed", slog.String("error", err.Error()))
			return
		}
		telemetry.ResolverMessages.WithLabelValues("deadline", "resolved").Inc()
		log.Info("task resolved at deadline")
	} else {
		telemetry.ResolverMessages.WithLabelValues("deadline", "noop").Inc()
	}

	r.ack(ctx, msg, log)
}

func (r *DeadlineResolver) ack(ctx context.Context, msg redisq.DeadlineMessage, log *slog.Logger) {
	if err := r.queue.RemoveDeadlineMessage(ctx, msg.MessageID); err != nil {
		log.Warn("remove deadline message failed", slog.String("error", err.Error()))
	}
}
