package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/internal/dispatch"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

// CallbackApplier applies worker callbacks.
type CallbackApplier interface {
	Handle(ctx context.Context, cb dispatch.Callback) (*dispatch.CallbackResult, error)
}

// NewCallbackHandler returns the handler for POST /api/v1/tasks/callback.
// The attempt id comes from the ?attempt= query parameter the dispatcher put
// in the callback URL, or from attemptId in the body. Only progress reports
// may omit it.
func NewCallbackHandler(svc CallbackApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID             string            `json:"taskId"`
			AttemptID          string            `json:"attemptId"`
			Status             string            `json:"status"`
			Progress           *int              `json:"progress"`
			Message            string            `json:"message"`
			OutputPaths        map[string]string `json:"outputPaths"`
			MaskVideoPath      *string           `json:"maskVideoPath"`
			CompositeVideoPath *string           `json:"compositeVideoPath"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		taskID, err := uuid.Parse(req.TaskID)
		if err != nil {
			badRequest(w, "taskId must be a valid UUID")
			return
		}

		var attemptID *uuid.UUID
		rawAttempt := r.URL.Query().Get("attempt")
		if rawAttempt == "" {
			rawAttempt = req.AttemptID
		}
		if rawAttempt != "" {
			id, err := uuid.Parse(rawAttempt)
			if err != nil {
				badRequest(w, "attempt must be a valid UUID")
				return
			}
			attemptID = &id
		}
		status := models.TaskStatus(req.Status)
		if attemptID == nil && (status == models.TaskStatusCompleted || status == models.TaskStatusFailed) {
			badRequest(w, "attempt is required for completed and failed callbacks")
			return
		}

		res, err := svc.Handle(r.Context(), dispatch.Callback{
			TaskID:             taskID,
			AttemptID:          attemptID,
			Status:             status,
			Progress:           req.Progress,
			Message:            req.Message,
			OutputPaths:        req.OutputPaths,
			MaskVideoPath:      req.MaskVideoPath,
			CompositeVideoPath: req.CompositeVideoPath,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		body := map[string]any{"applied": res.Applied, "stale": res.Stale}
		if res.Task != nil {
			body["status"] = res.Task.Status
		}
		response.JSON(w, body)
	}
}
