package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/cache"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTask  = errors.New("invalid task")
	ErrUnknownModel = errors.New("unknown or disabled model")
)

// SubmitStore is what task submission needs from persistence.
type SubmitStore interface {
	GetModel(ctx context.Context, name string) (*models.Model, error)
	CreateTask(ctx context.Context, task *models.Task) error
}

// Balances looks up an owner's account. ledger.Ledger implements it.
type Balances interface {
	GetAccountByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Account, error)
}

// Submission is a request to matte one video.
type Submission struct {
	OwnerID        uuid.UUID
	VideoPath      string
	ForegroundPath *string
	BackgroundPath *string
	ModelName      string
}

// Submitter validates and queues new tasks.
type Submitter struct {
	store    SubmitStore
	balances Balances
	cache    StatusCache
	logger   *slog.Logger
}

func NewSubmitter(st SubmitStore, balances Balances, c StatusCache, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{store: st, balances: balances, cache: c, logger: logger}
}

// Submit queues a waiting task. The owner's balance must cover the model
// price now; the charge itself happens only when the task completes.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (*models.Task, error) {
	sub.VideoPath = strings.TrimSpace(sub.VideoPath)
	sub.ModelName = strings.TrimSpace(sub.ModelName)
	switch {
	case sub.OwnerID == uuid.Nil:
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTask)
	case sub.VideoPath == "":
		return nil, fmt.Errorf("%w: video_path is required", ErrInvalidTask)
	case sub.ModelName == "":
		return nil, fmt.Errorf("%w: model_name is required", ErrInvalidTask)
	}

	model, err := s.store.GetModel(ctx, sub.ModelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, sub.ModelName)
	}
	if err != nil {
		return nil, err
	}
	if !model.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, sub.ModelName)
	}

	if model.Price.IsPositive() {
		balance := decimal.Zero
		acct, err := s.balances.GetAccountByOwner(ctx, sub.OwnerID)
		switch {
		case err == nil:
			balance = acct.Balance
		case !errors.Is(err, ledger.ErrAccountNotFound):
			return nil, err
		}
		if balance.LessThan(model.Price) {
			return nil, &ledger.BalanceError{Balance: balance, Requested: model.Price}
		}
	}

	task := &models.Task{
		OwnerID:        sub.OwnerID,
		VideoPath:      sub.VideoPath,
		ForegroundPath: sub.ForegroundPath,
		BackgroundPath: sub.BackgroundPath,
		ModelName:      model.Name,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if s.cache != nil {
		st := cache.TaskStatus{OwnerID: task.OwnerID, Status: string(task.Status), UpdatedAt: task.CreatedAt}
		if err := s.cache.SetTaskStatus(ctx, task.ID, st, statusTTL); err != nil {
			s.logger.Warn("mirror task status", "task_id", task.ID, "error", err)
		}
	}
	s.logger.Info("task submitted", "task_id", task.ID, "owner_id", task.OwnerID, "model", task.ModelName)
	return task, nil
}
