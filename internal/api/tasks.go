package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/task"
)

// upgradeTaskRequest is the body for POST /tasks/upgrade.
type upgradeTaskRequest struct {
	DeviceIDs []string `json:"device_ids"`
	Project   string   `json:"project"`
	Package   struct {
		FileName string `json:"file_name"`
		Version  string `json:"version"`
		Checksum string `json:"checksum"`
		Path     string `json:"path"`
	} `json:"package"`
	DeployPath     string   `json:"deploy_path"`
	PreservedPaths []string `json:"preserved_paths,omitempty"`
	CreatedBy      string   `json:"created_by,omitempty"`
}

// rollbackTaskRequest is the body for POST /tasks/rollback.
type rollbackTaskRequest struct {
	DeviceIDs      []string `json:"device_ids"`
	Project        string   `json:"project"`
	PreservedPaths []string `json:"preserved_paths,omitempty"`
	CreatedBy      string   `json:"created_by,omitempty"`
}

// handleCreateUpgradeTask creates a batch upgrade task in pending state.
func (s *Server) handleCreateUpgradeTask(w http.ResponseWriter, r *http.Request) {
	var req upgradeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	pkg := task.PackageInfo{
		FileName: req.Package.FileName,
		Version:  req.Package.Version,
		Checksum: req.Package.Checksum,
		Path:     req.Package.Path,
	}

	t, err := s.orchestrator.CreateUpgradeTask(r.Context(), req.DeviceIDs, pkg,
		device.Project(req.Project), req.DeployPath, req.PreservedPaths, req.CreatedBy)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleCreateRollbackTask creates a batch rollback task in pending state.
func (s *Server) handleCreateRollbackTask(w http.ResponseWriter, r *http.Request) {
	var req rollbackTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	t, err := s.orchestrator.CreateRollbackTask(r.Context(), req.DeviceIDs,
		device.Project(req.Project), req.PreservedPaths, req.CreatedBy)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleListTasks returns all tasks, newest first.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orchestrator.ListTasks(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list tasks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleTaskStats returns task counts grouped by status.
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orchestrator.TaskStats(r.Context())
	if err != nil {
		writeInternalError(w, "failed to compute task stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleGetTask returns a single task with per-device progress.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orchestrator.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// handleExecuteTask starts a pending task.
//
// Execution runs batch-by-batch in a background goroutine; the handler
// returns 202 immediately. Clients poll GET /tasks/{id} for progress.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.orchestrator.GetTask(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if t.Status != task.StatusPending {
		writeConflict(w, "task is not pending")
		return
	}

	go func() {
		if err := s.orchestrator.ExecuteTask(context.Background(), id); err != nil {
			s.logger.Error("task execution failed", "task_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": task.StatusRunning,
	})
}

// handleCancelTask requests cancellation of a pending or running task.
// Running tasks stop at the next batch boundary.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orchestrator.CancelTask(r.Context(), id); err != nil {
		s.writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": task.StatusCancelled,
	})
}

// handleRetryTask re-dispatches failed and timed-out devices of a
// finished task. Like execute, the re-run happens in the background.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.orchestrator.GetTask(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if t.Status == task.StatusRunning {
		writeConflict(w, "task is still running")
		return
	}
	if t.Stats.Failed+t.Stats.Timeout == 0 {
		writeConflict(w, "no failed devices to retry")
		return
	}

	go func() {
		if err := s.orchestrator.RetryFailedDevices(context.Background(), id); err != nil {
			s.logger.Error("task retry failed", "task_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": task.StatusRunning,
	})
}

// writeTaskError maps task package sentinel errors onto HTTP responses.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeNotFound(w, "task not found")
	case errors.Is(err, task.ErrValidation), errors.Is(err, device.ErrInvalidProject):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, task.ErrInvalidState):
		writeConflict(w, err.Error())
	case errors.Is(err, task.ErrNothingToRetry):
		writeConflict(w, "no failed devices to retry")
	default:
		writeInternalError(w, "task operation failed")
	}
}
