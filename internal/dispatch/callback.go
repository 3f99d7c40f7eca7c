package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/cache"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

// ErrInvalidCallback is returned for callbacks that cannot be applied to any task.
var ErrInvalidCallback = errors.New("invalid callback")

// statusTTL is how long a mirrored task status stays in the cache.
const statusTTL = 24 * time.Hour

// CallbackStore is what the callback service needs from persistence.
type CallbackStore interface {
	UpdateProgress(ctx context.Context, update store.ProgressUpdate) (bool, error)
	Settle(ctx context.Context, s store.Settlement) (*store.SettleResult, error)
}

// StatusCache mirrors task status for pollers. cache.RedisCache implements it.
type StatusCache interface {
	SetTaskStatus(ctx context.Context, taskID uuid.UUID, status cache.TaskStatus, ttl time.Duration) error
	GetTaskStatus(ctx context.Context, taskID uuid.UUID) (*cache.TaskStatus, bool, error)
	DeleteTaskStatus(ctx context.Context, taskID uuid.UUID) error
}

// Callback is a worker's report on a task. Status processing carries
// progress; completed and failed are final.
type Callback struct {
	TaskID             uuid.UUID
	AttemptID          *uuid.UUID
	Status             models.TaskStatus
	Progress           *int
	Message            string
	MaskVideoPath      *string
	CompositeVideoPath *string
	OutputPaths        map[string]string
}

// CallbackResult reports the effect of a callback. Applied is false for
// duplicates, callbacks from superseded attempts and progress on tasks that
// are not processing.
type CallbackResult struct {
	Applied bool
	Stale   bool
	Task    *models.Task
	Charged bool
}

// CallbackService applies worker callbacks to tasks, workers and the ledger.
type CallbackService struct {
	store  CallbackStore
	cache  StatusCache
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCallbackService creates a CallbackService. lease is the extension
// granted on every progress report; cache may be nil.
func NewCallbackService(st CallbackStore, c StatusCache, lease time.Duration, now func() time.Time, logger *slog.Logger) *CallbackService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackService{store: st, cache: c, lease: lease, now: now, logger: logger}
}

func (s *CallbackService) Handle(ctx context.Context, cb Callback) (*CallbackResult, error) {
	if err := validateCallback(cb); err != nil {
		return nil, err
	}
	logger := s.logger.With("task_id", cb.TaskID, "status", cb.Status)
	now := s.now()

	if cb.Status == models.TaskStatusProcessing {
		update := store.ProgressUpdate{
			TaskID:    cb.TaskID,
			AttemptID: cb.AttemptID,
			Message:   cb.Message,
		}
		if cb.Progress != nil {
			update.Progress = *cb.Progress
		}
		if s.lease > 0 {
			lease := now.Add(s.lease)
			update.LeaseExpiresAt = &lease
		}
		ok, err := s.store.UpdateProgress(ctx, update)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Debug("progress ignored, task not processing under this attempt")
			return &CallbackResult{Stale: true}, nil
		}
		s.mirrorProgress(ctx, cb.TaskID, update.Progress, now)
		return &CallbackResult{Applied: true}, nil
	}

	res, err := s.store.Settle(ctx, store.Settlement{
		TaskID:             cb.TaskID,
		AttemptID:          cb.AttemptID,
		Status:             cb.Status,
		Message:            cb.Message,
		MaskVideoPath:      cb.MaskVideoPath,
		CompositeVideoPath: cb.CompositeVideoPath,
		OutputPaths:        cb.OutputPaths,
		At:                 now,
	})
	if err != nil {
		return nil, err
	}

	out := &CallbackResult{Applied: res.Applied, Stale: res.Stale, Task: res.Task, Charged: res.Charge != nil}
	switch {
	case res.Applied:
		logger.Info("task settled", "final_status", res.Task.Status, "charged", out.Charged)
		s.mirror(ctx, cb.TaskID, cache.TaskStatus{
			OwnerID:   res.Task.OwnerID,
			Status:    string(res.Task.Status),
			Progress:  res.Task.Progress,
			UpdatedAt: now,
		})
	case res.Stale:
		logger.Warn("settlement from superseded attempt ignored")
	default:
		logger.Info("duplicate settlement ignored", "current_status", res.Task.Status)
	}
	return out, nil
}

func (s *CallbackService) mirror(ctx context.Context, taskID uuid.UUID, st cache.TaskStatus) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetTaskStatus(ctx, taskID, st, statusTTL); err != nil {
		s.logger.Warn("mirror task status", "task_id", taskID, "error", err)
	}
}

// mirrorProgress updates a cached entry in place. Without an entry there is
// no owner to record, so pollers fall back to the database.
func (s *CallbackService) mirrorProgress(ctx context.Context, taskID uuid.UUID, progress int, now time.Time) {
	if s.cache == nil {
		return
	}
	cur, ok, err := s.cache.GetTaskStatus(ctx, taskID)
	if err != nil {
		s.logger.Warn("read task status", "task_id", taskID, "error", err)
		return
	}
	if !ok {
		return
	}
	cur.Status = string(models.TaskStatusProcessing)
	cur.Progress = max(cur.Progress, progress)
	cur.UpdatedAt = now
	s.mirror(ctx, taskID, *cur)
}

func validateCallback(cb Callback) error {
	if cb.TaskID == uuid.Nil {
		return fmt.Errorf("%w: task id is required", ErrInvalidCallback)
	}
	switch cb.Status {
	case models.TaskStatusProcessing:
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		if cb.AttemptID == nil {
			return fmt.Errorf("%w: attempt id is required to settle a task", ErrInvalidCallback)
		}
	default:
		return fmt.Errorf("%w: unsupported status %q", ErrInvalidCallback, cb.Status)
	}
	if cb.Progress != nil && (*cb.Progress < 0 || *cb.Progress > 100) {
		return fmt.Errorf("%w: progress must be between 0 and 100", ErrInvalidCallback)
	}
	return nil
}
