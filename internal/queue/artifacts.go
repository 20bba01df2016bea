package queue

import (
	"context"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/postgres"
)

// ArtifactRequest is the caller-supplied part of an artifact.
//
// Details depends on the storage type: reference carries "url", link
// carries "artifact" (the target name), error carries "reason" and
// "message". Blob artifacts need no details; their bytes live in
// object storage and are finished with FinishArtifact.
type ArtifactRequest struct {
	StorageType string         `json:"storageType"`
	ContentType string         `json:"contentType"`
	Expires     time.Time      `json:"expires,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// artifactKind describes how one storage type behaves. The set of
// kinds is closed; anything not in the map is rejected at creation.
type artifactKind struct {
	// uploadRequired marks kinds whose content lives in object storage
	// and only exists once FinishArtifact confirms the upload.
	uploadRequired bool
}

var artifactKinds = map[string]artifactKind{
	postgres.ArtifactBlob:      {uploadRequired: true},
	postgres.ArtifactReference: {},
	postgres.ArtifactLink:      {},
	postgres.ArtifactError:     {},
}

// artifactPresent reports whether the artifact's content is available
// to consumers. Kinds without an upload step are present from creation.
func artifactPresent(a *postgres.Artifact) bool {
	kind, ok := artifactKinds[a.StorageType]
	if !ok {
		return false
	}
	return !kind.uploadRequired || a.Present
}

// CreateArtifact attaches a named artifact to a run. Re-creating an
// artifact with the same storage type is idempotent; changing the
// storage type of an existing artifact is a conflict.
func (s *Service) CreateArtifact(ctx context.Context, taskID string, runID int, name string, req ArtifactRequest) (*postgres.Artifact, error) {
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	kind, ok := artifactKinds[req.StorageType]
	if !ok {
		return nil, &domain.ValidationError{Field: "storageType", Reason: "unknown storage type " + req.StorageType}
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Run(runID) == nil {
		return nil, &domain.RunNotFoundError{TaskID: taskID, RunID: runID}
	}

	expires := req.Expires
	if expires.IsZero() || expires.After(task.Expires) {
		expires = task.Expires
	}

	artifact := &postgres.Artifact{
		TaskID:      taskID,
		RunID:       runID,
		Name:        name,
		StorageType: req.StorageType,
		ContentType: req.ContentType,
		Details:     req.Details,
		Present:     !kind.uploadRequired,
		Expires:     expires,
	}

	stored, created, err := s.artifacts.Create(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if created {
		return stored, nil
	}
	if stored.StorageType != req.StorageType {
		return nil, &domain.ConflictError{TaskID: taskID, RunID: runID,
			Reason: "artifact " + name + " exists with storage type " + stored.StorageType}
	}
	// Same storage type: refresh the mutable parts and move on.
	artifact.Present = stored.Present
	if err := s.artifacts.Replace(ctx, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// FinishArtifact marks a blob artifact's upload as complete.
func (s *Service) FinishArtifact(ctx context.Context, taskID string, runID int, name string) error {
	artifact, err := s.artifacts.Get(ctx, taskID, runID, name)
	if err != nil {
		return err
	}
	if !artifactKinds[artifact.StorageType].uploadRequired {
		return &domain.ConflictError{TaskID: taskID, RunID: runID,
			Reason: "artifact " + name + " has no upload to finish"}
	}
	return s.artifacts.MarkPresent(ctx, taskID, runID, name)
}

// unfinishedArtifact returns the name of a run artifact whose content
// is still missing, or "" when everything announced is present.
func (s *Service) unfinishedArtifact(ctx context.Context, taskID string, runID int) (string, error) {
	continuation := ""
	for {
		page, next, err := s.artifacts.List(ctx, taskID, runID, continuation, listPageSize)
		if err != nil {
			return "", err
		}
		for i := range page {
			if !artifactPresent(&page[i]) {
				return page[i].Name, nil
			}
		}
		if next == "" {
			return "", nil
		}
		continuation = next
	}
}

// GetArtifact returns one artifact of a run.
func (s *Service) GetArtifact(ctx context.Context, taskID string, runID int, name string) (*postgres.Artifact, error) {
	return s.artifacts.Get(ctx, taskID, runID, name)
}

// ListArtifacts pages through the artifacts of a run.
func (s *Service) ListArtifacts(ctx context.Context, taskID string, runID int, continuation string, limit int) ([]postgres.Artifact, string, error) {
	if limit <= 0 || limit > listPageSize {
		limit = listPageSize
	}
	return s.artifacts.List(ctx, taskID, runID, continuation, limit)
}
