// Package notify publishes task lifecycle events to Kafka.
//
// Events are advisory: consumers must treat them as hints and confirm
// against the queue API. Publishing happens after the state mutation it
// announces, so a crash can lose an event but never announce a state
// that was not reached.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/kafka"
)

// Topics, one per lifecycle event.
const (
	TopicTaskDefined   = "tasklane.task-defined"
	TopicTaskPending   = "tasklane.task-pending"
	TopicTaskRunning   = "tasklane.task-running"
	TopicTaskCompleted = "tasklane.task-completed"
	TopicTaskFailed    = "tasklane.task-failed"
	TopicTaskException = "tasklane.task-exception"
	TopicGroupResolved = "tasklane.task-group-resolved"
)

// Event is the envelope shared by all lifecycle topics. Routes are the
// task's routing strings, copied verbatim for consumers that filter.
type Event struct {
	Status      domain.TaskStatus `json:"status"`
	RunID       *int              `json:"runId,omitempty"`
	WorkerGroup string            `json:"workerGroup,omitempty"`
	WorkerID    string            `json:"workerId,omitempty"`
	TakenUntil  *time.Time        `json:"takenUntil,omitempty"`
	Routes      []string          `json:"routes,omitempty"`
}

// GroupResolvedEvent announces that every task in a group is resolved.
type GroupResolvedEvent struct {
	TaskGroupID string `json:"taskGroupId"`
	SchedulerID string `json:"schedulerId"`
}

// Publisher emits task lifecycle events. Methods mirror the states of
// the run state machine.
type Publisher interface {
	TaskDefined(ctx context.Context, status domain.TaskStatus, routes []string) error
	TaskPending(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error
	TaskRunning(ctx context.Context, status domain.TaskStatus, runID int, workerGroup, workerID string, takenUntil time.Time, routes []string) error
	TaskCompleted(ctx context.Context, status domain.TaskStatus, runID int, workerGroup, workerID string, routes []string) error
	TaskFailed(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error
	TaskException(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error
	TaskGroupResolved(ctx context.Context, taskGroupID, schedulerID string) error
}

type publisher struct {
	producer kafka.Producer
}

// NewPublisher wraps a Kafka producer with the Publisher interface.
func NewPublisher(producer kafka.Producer) Publisher {
	return &publisher{producer: producer}
}

func (p *publisher) publish(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return p.producer.Publish(ctx, topic, key, data)
}

func (p *publisher) TaskDefined(ctx context.Context, status domain.TaskStatus, routes []string) error {
	return p.publish(ctx, TopicTaskDefined, status.TaskID, Event{Status: status, Routes: routes})
}

func (p *publisher) TaskPending(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error {
	return p.publish(ctx, TopicTaskPending, status.TaskID, Event{
		Status: status, RunID: &runID, Routes: routes,
	})
}

func (p *publisher) TaskRunning(ctx context.Context, status domain.TaskStatus, runID int, workerGroup, workerID string, takenUntil time.Time, routes []string) error {
	return p.publish(ctx, TopicTaskRunning, status.TaskID, Event{
		Status:      status,
		RunID:       &runID,
		WorkerGroup: workerGroup,
		WorkerID:    workerID,
		TakenUntil:  &takenUntil,
		Routes:      routes,
	})
}

func (p *publisher) TaskCompleted(ctx context.Context, status domain.TaskStatus, runID int, workerGroup, workerID string, routes []string) error {
	return p.publish(ctx, TopicTaskCompleted, status.TaskID, Event{
		Status:      status,
		RunID:       &runID,
		WorkerGroup: workerGroup,
		WorkerID:    workerID,
		Routes:      routes,
	})
}

func (p *publisher) TaskFailed(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error {
	return p.publish(ctx, TopicTaskFailed, status.TaskID, Event{
		Status: status, RunID: &runID, Routes: routes,
	})
}

func (p *publisher) TaskException(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error {
	return p.publish(ctx, TopicTaskException, status.TaskID, Event{
		Status: status, RunID: &runID, Routes: routes,
	})
}

func (p *publisher) TaskGroupResolved(ctx context.Context, taskGroupID, schedulerID string) error {
	return p.publish(ctx, TopicGroupResolved, taskGroupID, GroupResolvedEvent{
		TaskGroupID: taskGroupID,
		SchedulerID: schedulerID,
	})
}
