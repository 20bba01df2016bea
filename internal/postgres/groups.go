package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasklane/tasklane/internal/domain"
)

// TaskGroup pins a schedulerId to a taskGroupId. Every task in a group
// must carry the same schedulerId.
type TaskGroup struct {
	TaskGroupID string
	SchedulerID string
	Expires     time.Time
}

// GroupStore manages task group records.
type GroupStore interface {
	// Ensure creates the group on first use, or verifies the
	// schedulerId matches and bumps expires forward. A schedulerId
	// mismatch returns *domain.ValidationError.
	Ensure(ctx context.Context, taskGroupID, schedulerID string, expires time.Time) error

	// Get loads a group, or returns pgx.ErrNoRows wrapped.
	Get(ctx context.Context, taskGroupID string) (*TaskGroup, error)

	// ExpireGroups removes up to limit groups whose expires is past
	// and that no longer contain any tasks.
	ExpireGroups(ctx context.Context, now time.Time, limit int) (int, error)
}

type groupStore struct {
	pool *pgxpool.Pool
}

// NewGroupStore wraps a pgxpool with the GroupStore interface.
func NewGroupStore(pool *pgxpool.Pool) GroupStore {
	return &groupStore{pool: pool}
}

func (s *groupStore) Ensure(ctx context.Context, taskGroupID, schedulerID string, expires time.Time) error {
	var stored string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_groups (task_group_id, scheduler_id, expires)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_group_id)
		DO UPDATE SET expires = GREATEST(task_groups.expires, EXCLUDED.expires)
		RETURNING scheduler_id
	`, taskGroupID, schedulerID, expires).Scan(&stored)
	if err != nil {
		return fmt.Errorf("ensure task group %s: %w", taskGroupID, err)
	}
	if stored != schedulerID {
		return &domain.ValidationError{
			Field:  "schedulerId",
			Reason: fmt.Sprintf("task group %s is owned by schedulerId %q", taskGroupID, stored),
		}
	}
	return nil
}

func (s *groupStore) Get(ctx context.Context, taskGroupID string) (*TaskGroup, error) {
	var g TaskGroup
	err := s.pool.QueryRow(ctx, `
		SELECT task_group_id, scheduler_id, expires FROM task_groups WHERE task_group_id = $1
	`, taskGroupID).Scan(&g.TaskGroupID, &g.SchedulerID, &g.Expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task group %s: %w", taskGroupID, err)
		}
		return nil, fmt.Errorf("get task group %s: %w", taskGroupID, err)
	}
	return &g, nil
}

func (s *groupStore) ExpireGroups(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM task_groups
		WHERE task_group_id IN (
			SELECT g.task_group_id
			FROM task_groups g
			WHERE g.expires < $1
			  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.task_group_id = g.task_group_id)
			LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("expire task groups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
