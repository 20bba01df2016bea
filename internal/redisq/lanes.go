package redisq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/domain"
)

// laneRegistry records the last time each pending lane was touched, so
// lanes for retired task queues can be garbage collected.
const laneRegistry = "pending:lanes"

// laneName derives a deterministic queue name for one priority lane of
// a task queue. Hashing keeps names short and safe regardless of what
// characters the taskQueueId contains; determinism means producers and
// consumers agree on the name with no registry lookup.
func laneName(taskQueueID string, priority domain.Priority) string {
	sum := sha256.Sum256([]byte(taskQueueID + "/" + string(priority)))
	return "pending:" + hex.EncodeToString(sum[:])[:20]
}

// registryField identifies a lane in the last-used registry.
func registryField(taskQueueID string, priority domain.Priority) string {
	return taskQueueID + "/" + string(priority)
}

func (s *queueService) touchLane(ctx context.Context, taskQueueID string, priority domain.Priority) error {
	err := s.client.HSet(ctx, laneRegistry,
		registryField(taskQueueID, priority),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("touch lane registry for %s: %w", taskQueueID, err)
	}
	return nil
}

func (s *queueService) PutPendingMessage(ctx context.Context, taskQueueID string, priority domain.Priority, taskID string, runID int, deadline time.Time) (string, error) {
	if !deadline.After(time.Now()) {
		// No time left to claim the run; a hint would only waste a
		// worker's claim cycle.
		return "", nil
	}
	hintID := uuid.New().String()
	lane := laneName(taskQueueID, priority)
	_, err := put(ctx, s.client, lane, PendingMessage{
		TaskID:  taskID,
		RunID:   runID,
		HintID:  hintID,
		Expires: deadline,
	}, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.touchLane(ctx, taskQueueID, priority); err != nil {
		return "", err
	}
	return hintID, nil
}

func (s *queueService) PendingQueues(ctx context.Context, taskQueueID string) ([]PollPending, error) {
	polls := make([]PollPending, 0, len(domain.Priorities))
	for _, priority := range domain.Priorities {
		if err := s.touchLane(ctx, taskQueueID, priority); err != nil {
			return nil, err
		}
		polls = append(polls, s.pollPendingLane(laneName(taskQueueID, priority)))
	}
	return polls, nil
}

func (s *queueService) CountPendingMessages(ctx context.Context, taskQueueID string) (int, error) {
	if n, ok := s.counts.get(taskQueueID); ok {
		return n, nil
	}
	var total int64
	for _, priority := range domain.Priorities {
		n, err := count(ctx, s.client, laneName(taskQueueID, priority))
		if err != nil {
			return 0, err
		}
		total += n
	}
	s.counts.set(taskQueueID, int(total))
	return int(total), nil
}

func (s *queueService) DeleteIdleLanes(ctx context.Context, idleFor time.Duration) (int, error) {
	entries, err := s.client.HGetAll(ctx, laneRegistry).Result()
	if err != nil {
		return 0, fmt.Errorf("read lane registry: %w", err)
	}

	cutoff := time.Now().Add(-idleFor).UnixMilli()
	removed := 0
	for field, lastUsed := range entries {
		ms, err := strconv.ParseInt(lastUsed, 10, 64)
		if err != nil || ms >= cutoff {
			continue
		}
		taskQueueID, priority, ok := splitRegistryField(field)
		if !ok {
			continue
		}
		if err := deleteQueue(ctx, s.client, laneName(taskQueueID, priority)); err != nil {
			return removed, err
		}
		if err := s.client.HDel(ctx, laneRegistry, field).Err(); err != nil {
			return removed, fmt.Errorf("delete lane registry entry %s: %w", field, err)
		}
		removed++
	}
	return removed, nil
}

// splitRegistryField undoes registryField. The priority is the suffix
// after the last slash; the taskQueueId itself contains exactly one.
func splitRegistryField(field string) (string, domain.Priority, bool) {
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == '/' {
			priority := domain.Priority(field[i+1:])
			if !priority.Valid() {
				return "", "", false
			}
			return field[:i], priority, true
		}
	}
	return "", "", false
}
