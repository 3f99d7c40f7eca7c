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

const workerColumns = `address, status, current_task_id, status_message, last_heartbeat_at,
	requested, responded, succeeded, created_at, updated_at`

func scanWorker(row pgx.Row) (*models.Worker, error) {
	var w models.Worker
	err := row.Scan(&w.Address, &w.Status, &w.CurrentTaskID, &w.StatusMessage, &w.LastHeartbeatAt,
		&w.Requested, &w.Responded, &w.Succeeded, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	return &w, nil
}

// RecordHeartbeat registers the worker on first contact and refreshes its
// heartbeat afterwards. An offline worker comes back idle; a busy worker
// stays busy.
func (s *PostgresStore) RecordHeartbeat(ctx context.Context, address string, at time.Time, message string) (*models.Worker, error) {
	return scanWorker(s.pool.QueryRow(ctx,
		`INSERT INTO workers (address, status, status_message, last_heartbeat_at)
		 VALUES ($1, 'idle', $3, $2)
		 ON CONFLICT (address) DO UPDATE SET
		   last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		   status = CASE WHEN workers.status = 'offline' THEN 'idle' ELSE workers.status END,
		   status_message = CASE WHEN EXCLUDED.status_message <> '' THEN EXCLUDED.status_message ELSE workers.status_message END,
		   updated_at = NOW()
		 RETURNING `+workerColumns, address, at.UTC(), message))
}

func (s *PostgresStore) GetWorker(ctx context.Context, address string) (*models.Worker, error) {
	return scanWorker(s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE address = $1`, address))
}

// ListWorkers returns workers in dispatch preference order. An empty status
// lists every worker.
func (s *PostgresStore) ListWorkers(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY succeeded DESC, address ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// FindBestIdle returns the idle worker with the most successful responses,
// ties broken by address. It does not reserve the worker; follow it with
// ClaimIdle.
func (s *PostgresStore) FindBestIdle(ctx context.Context) (string, error) {
	var address string
	err := s.pool.QueryRow(ctx,
		`SELECT address FROM workers WHERE status = 'idle'
		 ORDER BY succeeded DESC, address ASC LIMIT 1`).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoIdleWorker
	}
	if err != nil {
		return "", fmt.Errorf("find best idle worker: %w", err)
	}
	return address, nil
}

// ClaimIdle moves the worker from idle to busy holding taskID. It returns
// false when the worker is no longer idle, and ErrTaskClaimed when another
// worker already holds the task.
func (s *PostgresStore) ClaimIdle(ctx context.Context, address string, taskID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET status = 'busy', current_task_id = $2, updated_at = NOW()
		 WHERE address = $1 AND status = 'idle'`, address, taskID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, ErrTaskClaimed
		}
		return false, fmt.Errorf("claim worker: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimBestIdle selects and claims the best idle worker in one statement.
// Rows locked by a concurrent claimer are skipped instead of waited on.
func (s *PostgresStore) ClaimBestIdle(ctx context.Context, taskID uuid.UUID) (*models.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx,
		`UPDATE workers SET status = 'busy', current_task_id = $1, updated_at = NOW()
		 WHERE address = (
		   SELECT address FROM workers WHERE status = 'idle'
		   ORDER BY succeeded DESC, address ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+workerColumns, taskID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoIdleWorker
	}
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrTaskClaimed
		}
		return nil, err
	}
	return w, nil
}

// Release returns the worker to idle if it still holds taskID.
func (s *PostgresStore) Release(ctx context.Context, address string, taskID uuid.UUID) (bool, error) {
	return release(ctx, s.pool, address, taskID, "")
}

func release(ctx context.Context, q execer, address string, taskID uuid.UUID, message string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE workers SET status = 'idle', current_task_id = NULL,
		                    status_message = CASE WHEN $3 <> '' THEN $3 ELSE status_message END,
		                    updated_at = NOW()
		 WHERE address = $1 AND current_task_id = $2`, address, taskID, message)
	if err != nil {
		return false, fmt.Errorf("release worker: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkOffline(ctx context.Context, address string) error {
	return markOffline(ctx, s.pool, address)
}

func markOffline(ctx context.Context, q execer, address string) error {
	tag, err := q.Exec(ctx,
		`UPDATE workers SET status = 'offline', current_task_id = NULL, updated_at = NOW()
		 WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("mark worker offline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleOffline marks every worker whose heartbeat is missing or older
// than cutoff as offline and returns their addresses.
func (s *PostgresStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE workers SET status = 'offline', current_task_id = NULL, updated_at = NOW()
		 WHERE status <> 'offline' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		 RETURNING address`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("mark stale workers offline: %w", err)
	}
	addresses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("mark stale workers offline: %w", err)
	}
	return addresses, nil
}

func (s *PostgresStore) IncrementRequested(ctx context.Context, address string) error {
	return incrementRequested(ctx, s.pool, address)
}

func (s *PostgresStore) IncrementResponded(ctx context.Context, address string, success bool) error {
	return incrementResponded(ctx, s.pool, address, success, "")
}

func incrementRequested(ctx context.Context, q execer, address string) error {
	tag, err := q.Exec(ctx,
		`UPDATE workers SET requested = requested + 1, updated_at = NOW() WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("increment requested: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func incrementResponded(ctx context.Context, q execer, address string, success bool, message string) error {
	tag, err := q.Exec(ctx,
		`UPDATE workers SET responded = responded + 1,
		                    succeeded = succeeded + CASE WHEN $2 THEN 1 ELSE 0 END,
		                    status_message = CASE WHEN $3 <> '' THEN $3 ELSE status_message END,
		                    updated_at = NOW()
		 WHERE address = $1`, address, success, message)
	if err != nil {
		return fmt.Errorf("increment responded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
