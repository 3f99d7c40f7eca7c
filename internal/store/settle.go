package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
)

// InsufficientBalanceMessage is stored on tasks that completed but could not be paid for.
const InsufficientBalanceMessage = "insufficient balance"

// Settle records the final outcome of a task in one transaction. A completed
// task is charged the model price through the ledger; a failed task is not
// charged. The worker is released if it still holds the task. Settling a
// task that is already terminal, or with an attempt that no longer holds it,
// changes nothing.
func (s *PostgresStore) Settle(ctx context.Context, st Settlement) (*SettleResult, error) {
	if st.Status != models.TaskStatusCompleted && st.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: cannot settle as %s", ErrInvalidTransition, st.Status)
	}
	if st.At.IsZero() {
		st.At = time.Now()
	}

	res := &SettleResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, st.TaskID))
		if err != nil {
			return err
		}
		res.Task = task

		if task.Status.Terminal() {
			return nil
		}
		if task.Status != models.TaskStatusProcessing ||
			(st.AttemptID != nil && (task.AttemptID == nil || *task.AttemptID != *st.AttemptID)) {
			res.Stale = true
			return nil
		}

		status := st.Status
		message := st.Message
		var cost decimal.NullDecimal

		if status == models.TaskStatusCompleted {
			var price decimal.Decimal
			if err := tx.QueryRow(ctx, `SELECT price FROM models WHERE name = $1`, task.ModelName).Scan(&price); err != nil {
				return fmt.Errorf("get model price: %w", err)
			}
			cost = decimal.NewNullDecimal(price)
			if price.IsPositive() {
				charge, err := ledger.ConsumeByOwnerTx(ctx, tx, task.OwnerID, price, task.ID,
					"task "+task.ID.String()+" ("+task.ModelName+")", st.At)
				switch {
				case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrAccountNotFound):
					status = models.TaskStatusFailed
					message = InsufficientBalanceMessage
					cost = decimal.NullDecimal{}
				case err != nil:
					return err
				default:
					res.Charge = charge
				}
			}
		}

		outputs := st.OutputPaths
		if outputs == nil {
			outputs = task.OutputPaths
		}
		if outputs == nil {
			outputs = map[string]string{}
		}
		var errMsg *string
		if status == models.TaskStatusFailed {
			errMsg = &message
		}

		updated, err := scanTask(tx.QueryRow(ctx,
			`UPDATE tasks SET status = $2,
			                  progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
			                  cost = COALESCE(cost, $3),
			                  mask_video_path = COALESCE($4, mask_video_path),
			                  composite_video_path = COALESCE($5, composite_video_path),
			                  output_paths = $6,
			                  error_message = $7,
			                  lease_expires_at = NULL,
			                  completed_at = $8,
			                  updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+taskColumns,
			task.ID, status, cost, st.MaskVideoPath, st.CompositeVideoPath, outputs, errMsg, st.At.UTC()))
		if err != nil {
			return err
		}
		res.Task = updated
		res.Applied = true

		if task.AttemptID != nil {
			final := models.AttemptCompleted
			if status == models.TaskStatusFailed {
				final = models.AttemptFailed
			}
			if _, err := tx.Exec(ctx,
				`UPDATE dispatch_attempts SET state = $2 WHERE id = $1 AND state = 'accepted'`,
				*task.AttemptID, final); err != nil {
				return fmt.Errorf("finish attempt: %w", err)
			}
		}
		if task.WorkerAddress != nil {
			if _, err := release(ctx, tx, *task.WorkerAddress, task.ID, st.Message); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle task: %w", err)
	}
	return res, nil
}
