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

// maxModifyAttempts bounds the optimistic-concurrency retry loop.
const maxModifyAttempts = 10

// TaskStore abstracts all database access for task entities. Tasks are
// the authoritative record; everything in Redis is advisory.
type TaskStore interface {
	// Create inserts a task. If the taskId already exists the stored
	// task is returned with created=false and nothing is written;
	// definition comparison is the caller's concern.
	Create(ctx context.Context, task *domain.Task) (stored *domain.Task, created bool, err error)

	// Get loads a task or returns *domain.TaskNotFoundError.
	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// Modify atomically applies mutate to the task via a
	// compare-and-swap on the version column. mutate runs on a clone
	// and may be called several times under contention; side effects
	// inside it must be guarded by the caller. The stored task after a
	// successful swap is returned.
	Modify(ctx context.Context, taskID string, mutate func(*domain.Task) error) (*domain.Task, error)

	// Delete removes a task. Missing tasks are not an error.
	Delete(ctx context.Context, taskID string) error

	// ListGroup pages through the tasks of a task group ordered by
	// taskId. An empty continuation token starts from the beginning;
	// an empty returned token means the listing is complete.
	ListGroup(ctx context.Context, taskGroupID, continuation string, limit int) ([]*domain.Task, string, error)

	// ExpireTasks deletes up to limit tasks whose expires is in the
	// past and returns how many were removed.
	ExpireTasks(ctx context.Context, now time.Time, limit int) (int, error)
}

type taskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore wraps a pgxpool with the TaskStore interface.
func NewTaskStore(pool *pgxpool.Pool) TaskStore {
	return &taskStore{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `
	task_id, provisioner_id, worker_type, scheduler_id, task_group_id,
	dependencies, requires, routes, priority, retries, retries_left,
	created, deadline, expires, scopes, payload, metadata, tags, extra,
	runs, taken_until, version`

func (s *taskStore) Create(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (
			task_id, provisioner_id, worker_type, scheduler_id, task_group_id,
			dependencies, requires, routes, priority, retries, retries_left,
			created, deadline, expires, scopes, payload, metadata, tags, extra,
			runs, taken_until, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1
		)
		ON CONFLICT (task_id) DO NOTHING
	`,
		task.TaskID, task.ProvisionerID, task.WorkerType, task.SchedulerID, task.TaskGroupID,
		jsonList(task.Dependencies), string(task.Requires), jsonList(task.Routes),
		string(task.Priority), task.Retries, task.RetriesLeft,
		task.Created, task.Deadline, task.Expires,
		jsonList(task.Scopes), jsonMap(task.Payload), task.Metadata,
		jsonTags(task.Tags), jsonMap(task.Extra),
		jsonRuns(task.Runs), task.TakenUntil,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create task %s: %w", task.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, task.TaskID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	stored := task.Clone()
	stored.Version = 1
	return stored, true, nil
}

func (s *taskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *taskStore) Modify(ctx context.Context, taskID string, mutate func(*domain.Task) error) (*domain.Task, error) {
	for attempt := 0; attempt < maxModifyAttempts; attempt++ {
		task, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}

		modified := task.Clone()
		if err := mutate(modified); err != nil {
			return nil, err
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE tasks
			SET runs = $1, retries_left = $2, taken_until = $3, version = version + 1
			WHERE task_id = $4 AND version = $5
		`, jsonRuns(modified.Runs), modified.RetriesLeft, modified.TakenUntil, taskID, task.Version)
		if err != nil {
			return nil, fmt.Errorf("modify task %s: %w", taskID, err)
		}
		if tag.RowsAffected() == 1 {
			modified.Version = task.Version + 1
			return modified, nil
		}
		// Lost the race; reload and try again.
	}
	return nil, fmt.Errorf("modify task %s: version conflict persisted after %d attempts", taskID, maxModifyAttempts)
}

func (s *taskStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

func (s *taskStore) ListGroup(ctx context.Context, taskGroupID, continuation string, limit int) ([]*domain.Task, string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_group_id = $1 AND task_id > $2
		ORDER BY task_id
		LIMIT $3
	`, taskGroupID, continuation, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list task group %s: %w", taskGroupID, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, "", fmt.Errorf("list task group %s: %w", taskGroupID, err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list task group %s: %w", taskGroupID, err)
	}

	var next string
	if len(tasks) > limit {
		tasks = tasks[:limit]
		next = tasks[limit-1].TaskID
	}
	return tasks, next, nil
}

func (s *taskStore) ExpireTasks(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE task_id IN (
			SELECT task_id FROM tasks WHERE expires < $1 LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("expire tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var requires, priority string
	err := row.Scan(
		&task.TaskID, &task.ProvisionerID, &task.WorkerType, &task.SchedulerID, &task.TaskGroupID,
		&task.Dependencies, &requires, &task.Routes, &priority,
		&task.Retries, &task.RetriesLeft,
		&task.Created, &task.Deadline, &task.Expires,
		&task.Scopes, &task.Payload, &task.Metadata, &task.Tags, &task.Extra,
		&task.Runs, &task.TakenUntil, &task.Version,
	)
	if err != nil {
		return nil, err
	}
	task.Requires = domain.Requires(requires)
	task.Priority = domain.Priority(priority)
	return &task, nil
}

// jsonList normalizes nil slices so jsonb columns always hold [].
func jsonList(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func jsonMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func jsonTags(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func jsonRuns(v []domain.Run) []domain.Run {
	if v == nil {
		return []domain.Run{}
	}
	return v
}
