package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

const attemptColumns = `id, task_id, worker_address, state, message, created_at, responded_at`

func scanAttempt(row pgx.Row) (*models.DispatchAttempt, error) {
	var a models.DispatchAttempt
	err := row.Scan(&a.ID, &a.TaskID, &a.WorkerAddress, &a.State, &a.Message, &a.CreatedAt, &a.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	return &a, nil
}

// BeginAttempt records that taskID is about to be offered to address and
// counts the request against the worker.
func (s *PostgresStore) BeginAttempt(ctx context.Context, taskID uuid.UUID, address string) (*models.DispatchAttempt, error) {
	a := &models.DispatchAttempt{
		ID:            uuid.New(),
		TaskID:        taskID,
		WorkerAddress: address,
		State:         models.AttemptRequested,
		CreatedAt:     time.Now().UTC(),
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dispatch_attempts (id, task_id, worker_address, state, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			a.ID, a.TaskID, a.WorkerAddress, a.State, a.CreatedAt); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return incrementRequested(ctx, tx, address)
	})
	if err != nil {
		return nil, fmt.Errorf("begin attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.DispatchAttempt, error) {
	return scanAttempt(s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM dispatch_attempts WHERE id = $1`, id))
}

// resolveAttempt moves an attempt out of the requested state. It fails with
// ErrInvalidTransition when the attempt was already resolved.
func resolveAttempt(ctx context.Context, tx pgx.Tx, id uuid.UUID, state models.AttemptState, message string, at time.Time) (*models.DispatchAttempt, error) {
	a, err := scanAttempt(tx.QueryRow(ctx,
		`UPDATE dispatch_attempts SET state = $2, message = $3, responded_at = $4
		 WHERE id = $1 AND state = 'requested'
		 RETURNING `+attemptColumns, id, state, message, at.UTC()))
	if !errors.Is(err, ErrNotFound) {
		return a, err
	}

	var current models.AttemptState
	err = tx.QueryRow(ctx, `SELECT state FROM dispatch_attempts WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt state: %w", err)
	}
	return nil, fmt.Errorf("%w: attempt is %s", ErrInvalidTransition, current)
}

// AcceptAttempt applies a worker's acceptance: the task moves to processing
// under this attempt, the worker's responded and succeeded counters and the
// model usage count go up. If the task is no longer waiting nothing is
// written and ErrInvalidTransition is returned.
func (s *PostgresStore) AcceptAttempt(ctx context.Context, acc Acceptance) error {
	if acc.At.IsZero() {
		acc.At = time.Now()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		a, err := resolveAttempt(ctx, tx, acc.AttemptID, models.AttemptAccepted, acc.Message, acc.At)
		if err != nil {
			return err
		}

		var modelName string
		err = tx.QueryRow(ctx,
			`UPDATE tasks SET status = 'processing', worker_address = $2, attempt_id = $3,
			                  mask_video_path = $4, composite_video_path = $5, lease_expires_at = $6,
			                  updated_at = NOW()
			 WHERE id = $1 AND status = 'waiting'
			 RETURNING model_name`,
			a.TaskID, a.WorkerAddress, a.ID, acc.MaskVideoPath, acc.CompositeVideoPath, acc.LeaseExpiresAt,
		).Scan(&modelName)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: task %s is no longer waiting", ErrInvalidTransition, a.TaskID)
		}
		if err != nil {
			return fmt.Errorf("start task: %w", err)
		}

		if err := incrementResponded(ctx, tx, a.WorkerAddress, true, acc.Message); err != nil {
			return err
		}
		return incrementModelUsage(ctx, tx, modelName)
	})
	if err != nil {
		return fmt.Errorf("accept attempt: %w", err)
	}
	return nil
}

// RejectAttempt records a refusal: the worker's responded counter goes up and
// the worker is released if it still holds the task.
func (s *PostgresStore) RejectAttempt(ctx context.Context, attemptID uuid.UUID, message string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		a, err := resolveAttempt(ctx, tx, attemptID, models.AttemptRejected, message, time.Now())
		if err != nil {
			return err
		}
		if err := incrementResponded(ctx, tx, a.WorkerAddress, false, message); err != nil {
			return err
		}
		_, err = release(ctx, tx, a.WorkerAddress, a.TaskID, "")
		return err
	})
	if err != nil {
		return fmt.Errorf("reject attempt: %w", err)
	}
	return nil
}

// FailAttempt records that the worker could not be reached and marks it
// offline. No response is counted.
func (s *PostgresStore) FailAttempt(ctx context.Context, attemptID uuid.UUID, message string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		a, err := resolveAttempt(ctx, tx, attemptID, models.AttemptUnreachable, message, time.Now())
		if err != nil {
			return err
		}
		return markOffline(ctx, tx, a.WorkerAddress)
	})
	if err != nil {
		return fmt.Errorf("fail attempt: %w", err)
	}
	return nil
}
