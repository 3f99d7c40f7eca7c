package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mattehub/internal/api/middleware"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/internal/cache"
	"github.com/kiranshivaraju/mattehub/internal/dispatch"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

// TaskSubmitter queues new tasks.
type TaskSubmitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (*models.Task, error)
}

// TaskStore reads and cancels tasks.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, int, error)
	CancelTask(ctx context.Context, id, ownerID uuid.UUID) (*models.Task, error)
}

// StatusCache serves task status polls. Cancelling a task drops its entry.
type StatusCache interface {
	GetTaskStatus(ctx context.Context, taskID uuid.UUID) (*cache.TaskStatus, bool, error)
	DeleteTaskStatus(ctx context.Context, taskID uuid.UUID) error
}

type TaskHandler struct {
	submitter TaskSubmitter
	tasks     TaskStore
	status    StatusCache
}

// NewTaskHandler creates a TaskHandler. status may be nil, in which case
// polls always read the database.
func NewTaskHandler(submitter TaskSubmitter, tasks TaskStore, status StatusCache) *TaskHandler {
	return &TaskHandler{submitter: submitter, tasks: tasks, status: status}
}

// Create handles POST /api/v1/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFor(w, r)
	if !ok {
		return
	}
	var req struct {
		VideoPath      string  `json:"video_path"`
		ForegroundPath *string `json:"foreground_path"`
		BackgroundPath *string `json:"background_path"`
		ModelName      string  `json:"model_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.submitter.Submit(r.Context(), dispatch.Submission{
		OwnerID:        owner,
		VideoPath:      req.VideoPath,
		ForegroundPath: req.ForegroundPath,
		BackgroundPath: req.BackgroundPath,
		ModelName:      req.ModelName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, task)
}

// Get handles GET /api/v1/tasks/{taskID}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, ok := h.visibleTask(w, r)
	if !ok {
		return
	}
	response.JSON(w, task)
}

// Status handles GET /api/v1/tasks/{taskID}/status, the cheap poll endpoint.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "taskID")
	if !ok {
		return
	}
	if h.status != nil {
		st, found, err := h.status.GetTaskStatus(r.Context(), id)
		if err == nil && found && canSee(r, st.OwnerID) {
			response.JSON(w, taskStatusBody(id, st.Status, st.Progress, st.UpdatedAt))
			return
		}
	}

	task, ok := h.visibleTask(w, r)
	if !ok {
		return
	}
	response.JSON(w, taskStatusBody(task.ID, string(task.Status), task.Progress, task.UpdatedAt))
}

// List handles GET /api/v1/tasks?status=&page=&limit=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	filter := store.TaskFilter{Page: page, Limit: limit}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.TaskStatus(raw)
		if !status.Valid() {
			badRequest(w, "status must be one of waiting, processing, completed, failed")
			return
		}
		filter.Status = status
	}

	// Admins list every owner's tasks unless they narrow it with owner_id.
	if !mw.HasScope(r, models.ScopeAdmin) || r.URL.Query().Get("owner_id") != "" {
		owner, ok := ownerFor(w, r)
		if !ok {
			return
		}
		filter.OwnerID = &owner
	}

	tasks, total, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	response.Collection(w, tasks, response.NewPaginationMeta(page, limit, total))
}

// Cancel handles POST /api/v1/tasks/{taskID}/cancel. Only waiting tasks can
// be cancelled; anything else is a conflict.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	task, ok := h.visibleTask(w, r)
	if !ok {
		return
	}
	cancelled, err := h.tasks.CancelTask(r.Context(), task.ID, task.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			response.Error(w, http.StatusConflict, response.CodeConflict,
				"Only waiting tasks can be cancelled", map[string]string{"status": string(task.Status)})
			return
		}
		writeError(w, r, err)
		return
	}
	if h.status != nil {
		if err := h.status.DeleteTaskStatus(r.Context(), cancelled.ID); err != nil {
			slog.Warn("drop task status", "task_id", cancelled.ID, "error", err)
		}
	}
	response.JSON(w, cancelled)
}

// visibleTask loads the task named in the URL. Tasks owned by someone else
// are reported as not found unless the caller is an admin.
func (h *TaskHandler) visibleTask(w http.ResponseWriter, r *http.Request) (*models.Task, bool) {
	id, ok := uuidParam(w, r, "taskID")
	if !ok {
		return nil, false
	}
	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !canSee(r, task.OwnerID) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
		return nil, false
	}
	return task, true
}

func canSee(r *http.Request, ownerID uuid.UUID) bool {
	if mw.HasScope(r, models.ScopeAdmin) {
		return true
	}
	caller, ok := mw.GetOwnerID(r)
	return ok && caller == ownerID
}

func taskStatusBody(id uuid.UUID, status string, progress int, updatedAt time.Time) map[string]any {
	return map[string]any{
		"id":         id,
		"status":     status,
		"progress":   progress,
		"updated_at": updatedAt,
	}
}
