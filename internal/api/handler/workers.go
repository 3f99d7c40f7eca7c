package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

// HeartbeatRecorder records worker heartbeats.
type HeartbeatRecorder interface {
	Beat(ctx context.Context, address, message string) (*models.Worker, error)
}

// WorkerLister lists registered workers.
type WorkerLister interface {
	ListWorkers(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error)
}

// NewHeartbeatHandler returns the handler for POST /api/v1/workers/heartbeat
// and POST /api/v1/workers/register. The first heartbeat registers a worker,
// so both routes share it.
func NewHeartbeatHandler(hb HeartbeatRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
			Message string `json:"message"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Address == "" {
			badRequest(w, "address is required")
			return
		}

		worker, err := hb.Beat(r.Context(), req.Address, req.Message)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, worker)
	}
}

// NewListWorkersHandler returns the handler for GET /api/v1/workers?status=.
func NewListWorkersHandler(lister WorkerLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.WorkerStatus(r.URL.Query().Get("status"))
		switch status {
		case "", models.WorkerStatusIdle, models.WorkerStatusBusy, models.WorkerStatusOffline:
		default:
			badRequest(w, "status must be one of idle, busy, offline")
			return
		}

		workers, err := lister.ListWorkers(r.Context(), status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if workers == nil {
			workers = []*models.Worker{}
		}
		response.JSON(w, workers)
	}
}
