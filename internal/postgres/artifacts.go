package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Artifact storage types.
const (
	ArtifactBlob      = "blob"
	ArtifactReference = "reference"
	ArtifactLink      = "link"
	ArtifactError     = "error"
)

// Artifact is a named output attached to a task run. Blob artifacts
// become present once their upload is finished; the other storage types
// are present from creation.
type Artifact struct {
	TaskID      string         `json:"taskId"`
	RunID       int            `json:"runId"`
	Name        string         `json:"name"`
	StorageType string         `json:"storageType"`
	ContentType string         `json:"contentType"`
	Details     map[string]any `json:"details"`
	Present     bool           `json:"present"`
	Expires     time.Time      `json:"expires"`
}

// ErrArtifactNotFound is returned when an artifact does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore manages artifact records. Payload bytes live in object
// storage; only the metadata is kept here.
type ArtifactStore interface {
	// Create inserts an artifact. If it already exists the stored
	// record is returned with created=false; conflict rules are the
	// caller's concern.
	Create(ctx context.Context, a *Artifact) (stored *Artifact, created bool, err error)

	// Replace overwrites an existing artifact record.
	Replace(ctx context.Context, a *Artifact) error

	// Get loads one artifact or returns ErrArtifactNotFound.
	Get(ctx context.Context, taskID string, runID int, name string) (*Artifact, error)

	// MarkPresent flips the present flag after a finished upload.
	MarkPresent(ctx context.Context, taskID string, runID int, name string) error

	// List pages through a run's artifacts ordered by name.
	List(ctx context.Context, taskID string, runID int, continuation string, limit int) ([]Artifact, string, error)

	// ExpireArtifacts removes up to limit expired artifact records.
	ExpireArtifacts(ctx context.Context, now time.Time, limit int) (int, error)
}

type artifactStore struct {
	pool *pgxpool.Pool
}

// NewArtifactStore wraps a pgxpool with the ArtifactStore interface.
func NewArtifactStore(pool *pgxpool.Pool) ArtifactStore {
	return &artifactStore{pool: pool}
}

func (s *artifactStore) Create(ctx context.Context, a *Artifact) (*Artifact, bool, error) {
	if a.Details == nil {
		a.Details = map[string]any{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (task_id, run_id, name, storage_type, content_type, details, present, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id, run_id, name) DO NOTHING
	`, a.TaskID, a.RunID, a.Name, a.StorageType, a.ContentType, a.Details, a.Present, a.Expires)
	if err != nil {
		return nil, false, fmt.Errorf("create artifact %s for task %s: %w", a.Name, a.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, a.TaskID, a.RunID, a.Name)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return a, true, nil
}

func (s *artifactStore) Replace(ctx context.Context, a *Artifact) error {
	if a.Details == nil {
		a.Details = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE artifacts
		SET storage_type = $4, content_type = $5, details = $6, present = $7, expires = $8
		WHERE task_id = $1 AND run_id = $2 AND name = $3
	`, a.TaskID, a.RunID, a.Name, a.StorageType, a.ContentType, a.Details, a.Present, a.Expires)
	if err != nil {
		return fmt.Errorf("replace artifact %s for task %s: %w", a.Name, a.TaskID, err)
	}
	return nil
}

func (s *artifactStore) Get(ctx context.Context, taskID string, runID int, name string) (*Artifact, error) {
	var a Artifact
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, run_id, name, storage_type, content_type, details, present, expires
		FROM artifacts
		WHERE task_id = $1 AND run_id = $2 AND name = $3
	`, taskID, runID, name).Scan(
		&a.TaskID, &a.RunID, &a.Name, &a.StorageType, &a.ContentType,
		&a.Details, &a.Present, &a.Expires,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("get artifact %s for task %s: %w", name, taskID, err)
	}
	return &a, nil
}

func (s *artifactStore) MarkPresent(ctx context.Context, taskID string, runID int, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artifacts SET present = TRUE
		WHERE task_id = $1 AND run_id = $2 AND name = $3
	`, taskID, runID, name)
	if err != nil {
		return fmt.Errorf("mark artifact %s present for task %s: %w", name, taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrArtifactNotFound
	}
	return nil
}

func (s *artifactStore) List(ctx context.Context, taskID string, runID int, continuation string, limit int) ([]Artifact, string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, run_id, name, storage_type, content_type, details, present, expires
		FROM artifacts
		WHERE task_id = $1 AND run_id = $2 AND name > $3
		ORDER BY name
		LIMIT $4
	`, taskID, runID, continuation, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list artifacts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		err := rows.Scan(&a.TaskID, &a.RunID, &a.Name, &a.StorageType, &a.ContentType,
			&a.Details, &a.Present, &a.Expires)
		if err != nil {
			return nil, "", fmt.Errorf("list artifacts for task %s: %w", taskID, err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list artifacts for task %s: %w", taskID, err)
	}

	var next string
	if len(artifacts) > limit {
		artifacts = artifacts[:limit]
		next = artifacts[limit-1].Name
	}
	return artifacts, next, nil
}

func (s *artifactStore) ExpireArtifacts(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM artifacts
		WHERE (task_id, run_id, name) IN (
			SELECT task_id, run_id, name FROM artifacts WHERE expires < $1 LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("expire artifacts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
