// Package handler adapts the queue core to HTTP. Handlers stay thin:
// decode, call the service, map domain errors onto status codes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/queue"
)

// claimWorkTimeout bounds the long poll of claimWork. Workers are
// expected to call again immediately when the response is empty.
const claimWorkTimeout = 20 * time.Second

// REST handles HTTP requests for the gateway.
type REST struct {
	svc    *queue.Service
	logger *slog.Logger
}

// NewREST creates a new REST handler around the queue service.
func NewREST(svc *queue.Service, logger *slog.Logger) *REST {
	return &REST{svc: svc, logger: logger}
}

type statusResponse struct {
	Status domain.TaskStatus `json:"status"`
}

type workerRequest struct {
	WorkerGroup string `json:"workerGroup"`
	WorkerID    string `json:"workerId"`
}

type claimWorkRequest struct {
	WorkerGroup string `json:"workerGroup"`
	WorkerID    string `json:"workerId"`
	Tasks       int    `json:"tasks"`
}

type claimWorkResponse struct {
	Tasks []*queue.Claim `json:"tasks"`
}

type exceptionRequest struct {
	WorkerGroup string                `json:"workerGroup"`
	WorkerID    string                `json:"workerId"`
	Reason      domain.ReasonResolved `json:"reason"`
}

type listTaskGroupResponse struct {
	TaskGroupID       string              `json:"taskGroupId"`
	Tasks             []domain.TaskStatus `json:"tasks"`
	ContinuationToken string              `json:"continuationToken,omitempty"`
}

type dependentsResponse struct {
	TaskID            string   `json:"taskId"`
	Dependents        []string `json:"taskIds"`
	ContinuationToken string   `json:"continuationToken,omitempty"`
}

type pendingCountResponse struct {
	TaskQueueID  string `json:"taskQueueId"`
	PendingTasks int    `json:"pendingTasks"`
}

type listArtifactsResponse struct {
	Artifacts         []postgres.Artifact `json:"artifacts"`
	ContinuationToken string              `json:"continuationToken,omitempty"`
}

// CreateTask handles PUT /api/v1/task/{taskId}.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.create_task")
	defer span.End()

	taskID := chi.URLParam(r, "taskId")
	span.SetAttributes(attribute.String("task.id", taskID))

	var def domain.TaskDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.svc.CreateTask(ctx, taskID, def)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// GetTask handles GET /api/v1/task/{taskId}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// GetStatus handles GET /api/v1/task/{taskId}/status.
func (h *REST) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// ScheduleTask handles POST /api/v1/task/{taskId}/schedule.
func (h *REST) ScheduleTask(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.ScheduleTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// RerunTask handles POST /api/v1/task/{taskId}/rerun.
func (h *REST) RerunTask(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.RerunTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// CancelTask handles POST /api/v1/task/{taskId}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.CancelTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// ListTaskGroup handles GET /api/v1/task-group/{taskGroupId}/list.
func (h *REST) ListTaskGroup(w http.ResponseWriter, r *http.Request) {
	taskGroupID := chi.URLParam(r, "taskGroupId")
	statuses, next, err := h.svc.ListTaskGroup(r.Context(), taskGroupID,
		r.URL.Query().Get("continuationToken"), queryLimit(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTaskGroupResponse{
		TaskGroupID:       taskGroupID,
		Tasks:             statuses,
		ContinuationToken: next,
	})
}

// ListDependents handles GET /api/v1/task/{taskId}/dependents.
func (h *REST) ListDependents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	ids, next, err := h.svc.Dependents(r.Context(), taskID,
		r.URL.Query().Get("continuationToken"), queryLimit(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dependentsResponse{
		TaskID:            taskID,
		Dependents:        ids,
		ContinuationToken: next,
	})
}

// PendingCount handles GET /api/v1/pending/{provisionerId}/{workerType}.
func (h *REST) PendingCount(w http.ResponseWriter, r *http.Request) {
	taskQueueID := chi.URLParam(r, "provisionerId") + "/" + chi.URLParam(r, "workerType")
	n, err := h.svc.PendingCount(r.Context(), taskQueueID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pendingCountResponse{TaskQueueID: taskQueueID, PendingTasks: n})
}

// ClaimWork handles POST /api/v1/claim-work/{provisionerId}/{workerType}.
// Long-polls until a run is claimed or the poll window closes; an empty
// task list means try again.
func (h *REST) ClaimWork(w http.ResponseWriter, r *http.Request) {
	var req claimWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerGroup == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerGroup and workerId are required")
		return
	}
	if req.Tasks <= 0 {
		req.Tasks = 1
	}

	ctx, cancel := context.WithTimeout(r.Context(), claimWorkTimeout)
	defer cancel()

	taskQueueID := chi.URLParam(r, "provisionerId") + "/" + chi.URLParam(r, "workerType")
	claims, err := h.svc.ClaimWork(ctx, taskQueueID, req.WorkerGroup, req.WorkerID, req.Tasks)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if claims == nil {
		claims = []*queue.Claim{}
	}
	writeJSON(w, http.StatusOK, claimWorkResponse{Tasks: claims})
}

// ClaimTask handles POST /api/v1/task/{taskId}/runs/{runId}/claim.
func (h *REST) ClaimTask(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claim, err := h.svc.ClaimTask(r.Context(), taskID, runID, req.WorkerGroup, req.WorkerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ReclaimTask handles POST /api/v1/task/{taskId}/runs/{runId}/reclaim.
func (h *REST) ReclaimTask(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claim, err := h.svc.ReclaimTask(r.Context(), taskID, runID, req.WorkerGroup, req.WorkerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ReportCompleted handles POST /api/v1/task/{taskId}/runs/{runId}/completed.
func (h *REST) ReportCompleted(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, h.svc.ReportCompleted)
}

// ReportFailed handles POST /api/v1/task/{taskId}/runs/{runId}/failed.
func (h *REST) ReportFailed(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, h.svc.ReportFailed)
}

func (h *REST) report(w http.ResponseWriter, r *http.Request,
	resolve func(ctx context.Context, taskID string, runID int, workerGroup, workerID string) (*domain.TaskStatus, error),
) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := resolve(r.Context(), taskID, runID, req.WorkerGroup, req.WorkerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// ReportException handles POST /api/v1/task/{taskId}/runs/{runId}/exception.
func (h *REST) ReportException(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	var req exceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.svc.ReportException(r.Context(), taskID, runID, req.WorkerGroup, req.WorkerID, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: *status})
}

// CreateArtifact handles PUT /api/v1/task/{taskId}/runs/{runId}/artifacts/{name}.
func (h *REST) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	var req queue.ArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	artifact, err := h.svc.CreateArtifact(r.Context(), taskID, runID, artifactName(r), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// FinishArtifact handles POST /api/v1/task/{taskId}/runs/{runId}/artifacts/{name}.
func (h *REST) FinishArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	if err := h.svc.FinishArtifact(r.Context(), taskID, runID, artifactName(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetArtifact handles GET /api/v1/task/{taskId}/runs/{runId}/artifacts/{name}.
func (h *REST) GetArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	artifact, err := h.svc.GetArtifact(r.Context(), taskID, runID, artifactName(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// ListArtifacts handles GET /api/v1/task/{taskId}/runs/{runId}/artifacts.
func (h *REST) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	taskID, runID, ok := h.runParams(w, r)
	if !ok {
		return
	}
	artifacts, next, err := h.svc.ListArtifacts(r.Context(), taskID, runID,
		r.URL.Query().Get("continuationToken"), queryLimit(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listArtifactsResponse{Artifacts: artifacts, ContinuationToken: next})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks that the queue's pending counter
// answers, which exercises Redis.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.svc.PendingCount(ctx, "__readyz__/__readyz__"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis not ready")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (h *REST) runParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	taskID := chi.URLParam(r, "taskId")
	runID, err := strconv.Atoi(chi.URLParam(r, "runId"))
	if err != nil || runID < 0 {
		writeError(w, http.StatusBadRequest, "runId must be a non-negative integer")
		return "", 0, false
	}
	return taskID, runID, true
}

// artifactName is the wildcard tail of an artifact route; names contain
// slashes ("public/logs/live.log").
func artifactName(r *http.Request) string {
	return chi.URLParam(r, "*")
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func (h *REST) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		taskNotFound *domain.TaskNotFoundError
		runNotFound  *domain.RunNotFoundError
		taskExists   *domain.TaskExistsError
		conflict     *domain.ConflictError
		validation   *domain.ValidationError
		dependency   *domain.DependencyError
	)
	switch {
	case errors.As(err, &taskNotFound), errors.As(err, &runNotFound),
		errors.Is(err, postgres.ErrArtifactNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &taskExists), errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation), errors.As(err, &dependency):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
