package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasklane/tasklane/internal/domain"
)

// DependencyEdge is one reverse edge: a task that depends on the
// required task, together with its satisfaction policy.
type DependencyEdge struct {
	DependentID string
	Requires    domain.Requires
}

// DependencyStore tracks the two edge tables of the dependency graph.
//
// task_requirements holds forward edges (task -> what it still waits
// for); a row is deleted the moment the requirement is satisfied, so
// emptiness means schedulable. task_dependencies holds reverse edges
// (task -> who waits for it) and is only removed by expiry.
type DependencyStore interface {
	// AddEdges inserts both edge directions for every dependency of
	// taskID. Inserts are idempotent so a retried createTask converges.
	AddEdges(ctx context.Context, taskID string, requires domain.Requires, deps []string, expires time.Time) error

	// RemoveEdges deletes every edge that mentions taskID, in both
	// directions. Used to roll back a failed createTask.
	RemoveEdges(ctx context.Context, taskID string) error

	// MarkSatisfied deletes the forward edge dependentID -> requiredID.
	// Missing edges are not an error; satisfaction is idempotent.
	MarkSatisfied(ctx context.Context, dependentID, requiredID string) error

	// HasUnsatisfied reports whether taskID still waits on anything.
	HasUnsatisfied(ctx context.Context, taskID string) (bool, error)

	// Unsatisfied returns the taskIds the given task still waits for.
	Unsatisfied(ctx context.Context, taskID string) ([]string, error)

	// Dependents pages through the reverse edges of requiredID ordered
	// by dependent taskId. Empty continuation starts from the
	// beginning; empty returned token means done.
	Dependents(ctx context.Context, requiredID, continuation string, limit int) ([]DependencyEdge, string, error)

	// ExpireEdges removes up to limit edges in each table whose expires
	// is in the past, returning the total removed.
	ExpireEdges(ctx context.Context, now time.Time, limit int) (int, error)
}

type dependencyStore struct {
	pool *pgxpool.Pool
}

// NewDependencyStore wraps a pgxpool with the DependencyStore interface.
func NewDependencyStore(pool *pgxpool.Pool) DependencyStore {
	return &dependencyStore{pool: pool}
}

func (s *dependencyStore) AddEdges(ctx context.Context, taskID string, requires domain.Requires, deps []string, expires time.Time) error {
	if len(deps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, required := range deps {
		batch.Queue(`
			INSERT INTO task_requirements (task_id, required_id, expires)
			VALUES ($1, $2, $3)
			ON CONFLICT (task_id, required_id) DO NOTHING
		`, taskID, required, expires)
		batch.Queue(`
			INSERT INTO task_dependencies (required_id, dependent_id, requires, expires)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (required_id, dependent_id) DO NOTHING
		`, required, taskID, string(requires), expires)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add dependency edges for task %s: %w", taskID, err)
	}
	return nil
}

func (s *dependencyStore) RemoveEdges(ctx context.Context, taskID string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM task_requirements WHERE task_id = $1`, taskID)
	batch.Queue(`DELETE FROM task_dependencies WHERE dependent_id = $1`, taskID)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("remove dependency edges for task %s: %w", taskID, err)
	}
	return nil
}

func (s *dependencyStore) MarkSatisfied(ctx context.Context, dependentID, requiredID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM task_requirements WHERE task_id = $1 AND required_id = $2
	`, dependentID, requiredID)
	if err != nil {
		return fmt.Errorf("mark requirement %s -> %s satisfied: %w", dependentID, requiredID, err)
	}
	return nil
}

func (s *dependencyStore) HasUnsatisfied(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM task_requirements WHERE task_id = $1)
	`, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check requirements for task %s: %w", taskID, err)
	}
	return exists, nil
}

func (s *dependencyStore) Unsatisfied(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT required_id FROM task_requirements WHERE task_id = $1 ORDER BY required_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list requirements for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var required []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list requirements for task %s: %w", taskID, err)
		}
		required = append(required, id)
	}
	return required, rows.Err()
}

func (s *dependencyStore) Dependents(ctx context.Context, requiredID, continuation string, limit int) ([]DependencyEdge, string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dependent_id, requires
		FROM task_dependencies
		WHERE required_id = $1 AND dependent_id > $2
		ORDER BY dependent_id
		LIMIT $3
	`, requiredID, continuation, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list dependents of task %s: %w", requiredID, err)
	}
	defer rows.Close()

	var edges []DependencyEdge
	for rows.Next() {
		var edge DependencyEdge
		var requires string
		if err := rows.Scan(&edge.DependentID, &requires); err != nil {
			return nil, "", fmt.Errorf("list dependents of task %s: %w", requiredID, err)
		}
		edge.Requires = domain.Requires(requires)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list dependents of task %s: %w", requiredID, err)
	}

	var next string
	if len(edges) > limit {
		edges = edges[:limit]
		next = edges[limit-1].DependentID
	}
	return edges, next, nil
}

func (s *dependencyStore) ExpireEdges(ctx context.Context, now time.Time, limit int) (int, error) {
	var total int
	for _, q := range []string{
		`DELETE FROM task_requirements WHERE (task_id, required_id) IN (
			SELECT task_id, required_id FROM task_requirements WHERE expires < $1 LIMIT $2)`,
		`DELETE FROM task_dependencies WHERE (required_id, dependent_id) IN (
			SELECT required_id, dependent_id FROM task_dependencies WHERE expires < $1 LIMIT $2)`,
	} {
		tag, err := s.pool.Exec(ctx, q, now, limit)
		if err != nil {
			return total, fmt.Errorf("expire dependency edges: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}
