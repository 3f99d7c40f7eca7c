package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

const taskColumns = `id, owner_id, video_path, foreground_path, background_path, model_name, status, progress, cost,
	worker_address, attempt_id, mask_video_path, composite_video_path, output_paths, error_message,
	lease_expires_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.OwnerID, &t.VideoPath, &t.ForegroundPath, &t.BackgroundPath, &t.ModelName,
		&t.Status, &t.Progress, &t.Cost, &t.WorkerAddress, &t.AttemptID, &t.MaskVideoPath,
		&t.CompositeVideoPath, &t.OutputPaths, &t.ErrorMessage, &t.LeaseExpiresAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a new waiting task. ID and timestamps are filled in when zero.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	task.Status = models.TaskStatusWaiting
	if task.OutputPaths == nil {
		task.OutputPaths = map[string]string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, owner_id, video_path, foreground_path, background_path, model_name,
		                    status, progress, output_paths, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)`,
		task.ID, task.OwnerID, task.VideoPath, task.ForegroundPath, task.BackgroundPath, task.ModelName,
		task.Status, task.OutputPaths, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.OwnerID != nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, *filter.OwnerID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tasks WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	return tasks, total, err
}

func (s *PostgresStore) ListWaiting(ctx context.Context, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'waiting'
		 ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list waiting tasks: %w", err)
	}
	return scanTasks(rows)
}

// CancelTask fails a waiting task on behalf of its owner. Tasks that have
// already been picked up cannot be cancelled.
func (s *PostgresStore) CancelTask(ctx context.Context, id, ownerID uuid.UUID) (*models.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'failed', error_message = 'cancelled', completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND status = 'waiting'
		 RETURNING `+taskColumns, id, ownerID))
	if !errors.Is(err, ErrNotFound) {
		return task, err
	}

	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: task is %s", ErrInvalidTransition, existing.Status)
}

// UpdateProgress records progress for a processing task. Progress never
// decreases. It returns false when the task is not processing or is held by
// a different attempt.
func (s *PostgresStore) UpdateProgress(ctx context.Context, u ProgressUpdate) (bool, error) {
	var address *string
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET progress = GREATEST(progress, $3),
		                  lease_expires_at = COALESCE($4, lease_expires_at),
		                  updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND ($2::uuid IS NULL OR attempt_id = $2)
		 RETURNING worker_address`,
		u.TaskID, u.AttemptID, u.Progress, u.LeaseExpiresAt).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update task progress: %w", err)
	}

	if address != nil && u.Message != "" {
		if _, err := s.pool.Exec(ctx,
			`UPDATE workers SET status_message = $3, updated_at = NOW()
			 WHERE address = $1 AND current_task_id = $2`, *address, u.TaskID, u.Message); err != nil {
			return true, fmt.Errorf("update worker message: %w", err)
		}
	}
	return true, nil
}

// RevokeExpiredLeases puts processing tasks whose lease ran out back to
// waiting, expires their attempt and frees the worker if it still holds the
// task. Rows locked by a concurrent settlement are skipped.
func (s *PostgresStore) RevokeExpiredLeases(ctx context.Context, now time.Time) ([]RevokedLease, error) {
	var revoked []RevokedLease
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, worker_address, attempt_id FROM tasks
			 WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
			 ORDER BY lease_expires_at ASC
			 FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		for rows.Next() {
			var r RevokedLease
			var address *string
			if err := rows.Scan(&r.TaskID, &address, &r.AttemptID); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			if address != nil {
				r.WorkerAddress = *address
			}
			revoked = append(revoked, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range revoked {
			if _, err := tx.Exec(ctx,
				`UPDATE tasks SET status = 'waiting', progress = 0, worker_address = NULL, attempt_id = NULL,
				                  lease_expires_at = NULL, mask_video_path = NULL, composite_video_path = NULL,
				                  updated_at = NOW()
				 WHERE id = $1`, r.TaskID); err != nil {
				return fmt.Errorf("requeue task: %w", err)
			}
			if r.AttemptID != nil {
				if _, err := tx.Exec(ctx,
					`UPDATE dispatch_attempts SET state = 'expired', message = 'lease expired'
					 WHERE id = $1 AND state = 'accepted'`, *r.AttemptID); err != nil {
					return fmt.Errorf("expire attempt: %w", err)
				}
			}
			if r.WorkerAddress != "" {
				if _, err := release(ctx, tx, r.WorkerAddress, r.TaskID, "lease expired"); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("revoke expired leases: %w", err)
	}
	return revoked, nil
}
