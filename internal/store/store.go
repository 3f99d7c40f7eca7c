package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a conditional state change finds the
// row in a different state than required. Nothing is written.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrTaskClaimed is returned when another worker already holds the task.
var ErrTaskClaimed = errors.New("task already held by a worker")

var ErrNoIdleWorker = errors.New("no idle worker")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	KeyStore
	ModelStore
	TaskStore
	WorkerRegistry
	AttemptStore
}

type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

type ModelStore interface {
	GetModel(ctx context.Context, name string) (*models.Model, error)
	ListModels(ctx context.Context) ([]*models.Model, error)
	UpsertModel(ctx context.Context, m *models.Model) (*models.Model, error)
	IncrementModelUsage(ctx context.Context, name string) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, int, error)
	// ListWaiting returns up to limit waiting tasks, oldest first, ties by id.
	ListWaiting(ctx context.Context, limit int) ([]*models.Task, error)
	CancelTask(ctx context.Context, id, ownerID uuid.UUID) (*models.Task, error)
	UpdateProgress(ctx context.Context, update ProgressUpdate) (bool, error)
	RevokeExpiredLeases(ctx context.Context, now time.Time) ([]RevokedLease, error)
	Settle(ctx context.Context, s Settlement) (*SettleResult, error)
}

// WorkerRegistry tracks worker availability and counters. Every state change
// is a conditional single-row update, so concurrent callers cannot both win.
type WorkerRegistry interface {
	RecordHeartbeat(ctx context.Context, address string, at time.Time, message string) (*models.Worker, error)
	GetWorker(ctx context.Context, address string) (*models.Worker, error)
	ListWorkers(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error)
	FindBestIdle(ctx context.Context) (string, error)
	ClaimIdle(ctx context.Context, address string, taskID uuid.UUID) (bool, error)
	ClaimBestIdle(ctx context.Context, taskID uuid.UUID) (*models.Worker, error)
	Release(ctx context.Context, address string, taskID uuid.UUID) (bool, error)
	MarkOffline(ctx context.Context, address string) error
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	IncrementRequested(ctx context.Context, address string) error
	IncrementResponded(ctx context.Context, address string, success bool) error
}

// AttemptStore records assignment requests. Resolving an attempt moves the
// worker counters in the same transaction as the attempt state.
type AttemptStore interface {
	BeginAttempt(ctx context.Context, taskID uuid.UUID, address string) (*models.DispatchAttempt, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.DispatchAttempt, error)
	AcceptAttempt(ctx context.Context, a Acceptance) error
	RejectAttempt(ctx context.Context, attemptID uuid.UUID, message string) error
	FailAttempt(ctx context.Context, attemptID uuid.UUID, message string) error
}

type TaskFilter struct {
	OwnerID *uuid.UUID
	Status  models.TaskStatus
	Page    int
	Limit   int
}

// ProgressUpdate reports intermediate progress on a processing task.
// A nil AttemptID matches whichever attempt currently holds the task.
type ProgressUpdate struct {
	TaskID         uuid.UUID
	AttemptID      *uuid.UUID
	Progress       int
	Message        string
	LeaseExpiresAt *time.Time
}

// Acceptance is a worker's positive answer to an assignment request.
type Acceptance struct {
	AttemptID          uuid.UUID
	Message            string
	MaskVideoPath      *string
	CompositeVideoPath *string
	LeaseExpiresAt     *time.Time
	At                 time.Time
}

type RevokedLease struct {
	TaskID        uuid.UUID
	WorkerAddress string
	AttemptID     *uuid.UUID
}

// Settlement is the final outcome a worker reports for a task.
type Settlement struct {
	TaskID             uuid.UUID
	AttemptID          *uuid.UUID
	Status             models.TaskStatus
	Message            string
	MaskVideoPath      *string
	CompositeVideoPath *string
	OutputPaths        map[string]string
	At                 time.Time
}

// SettleResult reports what Settle did. Applied is false when the task was
// already terminal or the settlement came from a superseded attempt.
type SettleResult struct {
	Task    *models.Task
	Applied bool
	Stale   bool
	Charge  *ledger.Result
}
