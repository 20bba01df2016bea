package redisq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasklane/tasklane/internal/domain"
)

// Fixed queue names. Pending lanes get derived names, see lanes.go.
const (
	claimQueue    = "claim-expiry"
	deadlineQueue = "deadline"
	resolvedQueue = "resolved"
)

// ClaimMessage hints that a claim may expire at takenUntil. Visible
// from takenUntil onwards.
type ClaimMessage struct {
	TaskID     string    `json:"taskId"`
	RunID      int       `json:"runId"`
	TakenUntil time.Time `json:"takenUntil"`

	MessageID string `json:"-"`
}

// DeadlineMessage hints that a task's deadline may have passed.
type DeadlineMessage struct {
	TaskID      string    `json:"taskId"`
	SchedulerID string    `json:"schedulerId"`
	Deadline    time.Time `json:"deadline"`

	MessageID string `json:"-"`
}

// ResolutionMessage hints that a task was resolved; the dependency
// resolver fans its resolution out to dependents. The group and
// scheduler ids are carried in the payload so the group-resolution
// check works even after the task row itself has expired.
type ResolutionMessage struct {
	TaskID      string            `json:"taskId"`
	TaskGroupID string            `json:"taskGroupId"`
	SchedulerID string            `json:"schedulerId"`
	Resolution  domain.Resolution `json:"resolution"`

	MessageID string `json:"-"`
}

// PendingMessage hints that a run may be pending. The hintId ties a
// claim back to the message that caused it. Expires is the task's
// deadline; a hint past it is dead weight and dropped at poll time.
type PendingMessage struct {
	TaskID  string    `json:"taskId"`
	RunID   int       `json:"runId"`
	HintID  string    `json:"hintId"`
	Expires time.Time `json:"expires"`
}

// QueueService is the advisory messaging layer. Hints here are an
// over-approximation of reality: a pending task always has a hint, but
// a hint does not prove the task is still pending.
type QueueService interface {
	// PutClaimMessage enqueues a claim-expiry hint visible at takenUntil.
	PutClaimMessage(ctx context.Context, taskID string, runID int, takenUntil time.Time) error
	PollClaimQueue(ctx context.Context, limit int) ([]ClaimMessage, error)
	RemoveClaimMessage(ctx context.Context, messageID string) error
	ReleaseClaimMessage(ctx context.Context, messageID string) error

	// PutDeadlineMessage enqueues a deadline hint visible delay after
	// the deadline.
	PutDeadlineMessage(ctx context.Context, taskID, schedulerID string, deadline time.Time, delay time.Duration) error
	PollDeadlineQueue(ctx context.Context, limit int) ([]DeadlineMessage, error)
	RemoveDeadlineMessage(ctx context.Context, messageID string) error
	ReleaseDeadlineMessage(ctx context.Context, messageID string) error

	// PutResolvedMessage enqueues a resolution hint, visible at once.
	PutResolvedMessage(ctx context.Context, taskID, schedulerID, taskGroupID string, resolution domain.Resolution) error
	PollResolvedQueue(ctx context.Context, limit int) ([]ResolutionMessage, error)
	RemoveResolvedMessage(ctx context.Context, messageID string) error
	ReleaseResolvedMessage(ctx context.Context, messageID string) error

	// PutPendingMessage enqueues a pending hint on the priority lane of
	// the task queue and returns the hintId. A deadline that has
	// already passed enqueues nothing and returns an empty hintId.
	PutPendingMessage(ctx context.Context, taskQueueID string, priority domain.Priority, taskID string, runID int, deadline time.Time) (string, error)

	// PendingQueues returns one poll function per priority lane of the
	// task queue, ordered from most to least urgent.
	PendingQueues(ctx context.Context, taskQueueID string) ([]PollPending, error)

	// CountPendingMessages approximates the pending count for a task
	// queue. Results are cached briefly in process.
	CountPendingMessages(ctx context.Context, taskQueueID string) (int, error)

	// DeleteIdleLanes drops pending lanes unused for longer than
	// idleFor and returns how many were removed.
	DeleteIdleLanes(ctx context.Context, idleFor time.Duration) (int, error)
}

// Hint is one leased pending message. Remove it once used, release it
// if claiming failed so another worker sees it again.
type Hint interface {
	TaskID() string
	RunID() int
	HintID() string
	Remove(ctx context.Context) error
	Release(ctx context.Context) error
}

type hint struct {
	taskID  string
	runID   int
	hintID  string
	queue   string
	id      string
	service *queueService
}

func (h *hint) TaskID() string { return h.taskID }
func (h *hint) RunID() int     { return h.runID }
func (h *hint) HintID() string { return h.hintID }

func (h *hint) Remove(ctx context.Context) error {
	return remove(ctx, h.service.client, h.queue, h.id)
}

func (h *hint) Release(ctx context.Context) error {
	return release(ctx, h.service.client, h.queue, h.id)
}

// PollPending leases up to limit hints from one pending lane.
type PollPending func(ctx context.Context, limit int) ([]Hint, error)

type queueService struct {
	client *redis.Client
	lease  time.Duration
	counts *countCache
}

// Option configures the queue service.
type Option func(*queueService)

// WithLease overrides the default message lease.
func WithLease(lease time.Duration) Option {
	return func(s *queueService) { s.lease = lease }
}

// WithCountTTL overrides how long cached pending counts stay fresh.
func WithCountTTL(ttl time.Duration) Option {
	return func(s *queueService) { s.counts.ttl = ttl }
}

// NewQueueService creates a Redis-backed QueueService.
func NewQueueService(client *redis.Client, opts ...Option) QueueService {
	s := &queueService{
		client: client,
		lease:  DefaultLease,
		counts: newCountCache(countCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *queueService) PutClaimMessage(ctx context.Context, taskID string, runID int, takenUntil time.Time) error {
	_, err := put(ctx, s.client, claimQueue, ClaimMessage{
		TaskID:     taskID,
		RunID:      runID,
		TakenUntil: takenUntil,
	}, takenUntil)
	return err
}

func (s *queueService) PollClaimQueue(ctx context.Context, limit int) ([]ClaimMessage, error) {
	raw, err := poll(ctx, s.client, claimQueue, limit, s.lease)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimMessage, 0, len(raw))
	for _, m := range raw {
		var msg ClaimMessage
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			// Unparseable hints are garbage; drop them.
			_ = remove(ctx, s.client, claimQueue, m.ID)
			continue
		}
		msg.MessageID = m.ID
		out = append(out, msg)
	}
	return out, nil
}

func (s *queueService) RemoveClaimMessage(ctx context.Context, messageID string) error {
	return remove(ctx, s.client, claimQueue, messageID)
}

func (s *queueService) ReleaseClaimMessage(ctx context.Context, messageID string) error {
	return release(ctx, s.client, claimQueue, messageID)
}

func (s *queueService) PutDeadlineMessage(ctx context.Context, taskID, schedulerID string, deadline time.Time, delay time.Duration) error {
	_, err := put(ctx, s.client, deadlineQueue, DeadlineMessage{
		TaskID:      taskID,
		SchedulerID: schedulerID,
		Deadline:    deadline,
	}, deadline.Add(delay))
	return err
}

func (s *queueService) PollDeadlineQueue(ctx context.Context, limit int) ([]DeadlineMessage, error) {
	raw, err := poll(ctx, s.client, deadlineQueue, limit, s.lease)
	if err != nil {
		return nil, err
	}
	out := make([]DeadlineMessage, 0, len(raw))
	for _, m := range raw {
		var msg DeadlineMessage
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			_ = remove(ctx, s.client, deadlineQueue, m.ID)
			continue
		}
		msg.MessageID = m.ID
		out = append(out, msg)
	}
	return out, nil
}

func (s *queueService) RemoveDeadlineMessage(ctx context.Context, messageID string) error {
	return remove(ctx, s.client, deadlineQueue, messageID)
}

func (s *queueService) ReleaseDeadlineMessage(ctx context.Context, messageID string) error {
	return release(ctx, s.client, deadlineQueue, messageID)
}

func (s *queueService) PutResolvedMessage(ctx context.Context, taskID, schedulerID, taskGroupID string, resolution domain.Resolution) error {
	_, err := put(ctx, s.client, resolvedQueue, ResolutionMessage{
		TaskID:      taskID,
		TaskGroupID: taskGroupID,
		SchedulerID: schedulerID,
		Resolution:  resolution,
	}, time.Now())
	return err
}

func (s *queueService) PollResolvedQueue(ctx context.Context, limit int) ([]ResolutionMessage, error) {
	raw, err := poll(ctx, s.client, resolvedQueue, limit, s.lease)
	if err != nil {
		return nil, err
	}
	out := make([]ResolutionMessage, 0, len(raw))
	for _, m := range raw {
		var msg ResolutionMessage
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			_ = remove(ctx, s.client, resolvedQueue, m.ID)
			continue
		}
		msg.MessageID = m.ID
		out = append(out, msg)
	}
	return out, nil
}

func (s *queueService) RemoveResolvedMessage(ctx context.Context, messageID string) error {
	return remove(ctx, s.client, resolvedQueue, messageID)
}

func (s *queueService) ReleaseResolvedMessage(ctx context.Context, messageID string) error {
	return release(ctx, s.client, resolvedQueue, messageID)
}

func (s *queueService) pollPendingLane(lane string) PollPending {
	return func(ctx context.Context, limit int) ([]Hint, error) {
		raw, err := poll(ctx, s.client, lane, limit, s.lease)
		if err != nil {
			return nil, err
		}
		hints := make([]Hint, 0, len(raw))
		for _, m := range raw {
			var msg PendingMessage
			if err := json.Unmarshal(m.Payload, &msg); err != nil {
				_ = remove(ctx, s.client, lane, m.ID)
				continue
			}
			if !msg.Expires.IsZero() && !msg.Expires.After(time.Now()) {
				// The run's deadline has passed; the deadline resolver
				// owns it now.
				_ = remove(ctx, s.client, lane, m.ID)
				continue
			}
			hints = append(hints, &hint{
				taskID:  msg.TaskID,
				runID:   msg.RunID,
				hintID:  msg.HintID,
				queue:   lane,
				id:      m.ID,
				service: s,
			})
		}
		return hints, nil
	}
}
