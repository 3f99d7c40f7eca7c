// Package ledger keeps per-owner account balances and an append-only log of
// every balance change. Each operation runs in a single database transaction
// that locks the affected account rows, so concurrent operations on the same
// account serialize and the balance never goes negative.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	// amountScale matches NUMERIC(14,2).
	amountScale = 2
)

var maxAmount = decimal.RequireFromString("999999999999.99")

// Result is the outcome of a single-account operation.
type Result struct {
	Account     *models.Account
	Transaction *models.LedgerTransaction
}

// TransferResult holds both sides of a transfer. Debit and Credit share a TransferID.
type TransferResult struct {
	From   *models.Account
	To     *models.Account
	Debit  *models.LedgerTransaction
	Credit *models.LedgerTransaction
}

// AuditReport compares an account's stored balance against its transaction log.
type AuditReport struct {
	AccountID     uuid.UUID       `json:"account_id"`
	StoredBalance decimal.Decimal `json:"stored_balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Credits       decimal.Decimal `json:"credits"`
	Debits        decimal.Decimal `json:"debits"`
	Transactions  int64           `json:"transactions"`
	Consistent    bool            `json:"consistent"`
}

// Ledger implements account operations on PostgreSQL.
type Ledger struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Ledger)

// WithClock overrides the time source used for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:   pool,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenAccount creates a zero-balance account for ownerID.
func (l *Ledger) OpenAccount(ctx context.Context, ownerID uuid.UUID) (*models.Account, error) {
	if ownerID == uuid.Nil {
		return nil, invalid("owner id is required")
	}
	now := l.now().UTC()
	acct := &models.Account{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Balance:        decimal.Zero,
		TotalRecharged: decimal.Zero,
		TotalConsumed:  decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, balance, total_recharged, total_consumed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acct.ID, acct.OwnerID, acct.Balance, acct.TotalRecharged, acct.TotalConsumed, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("open account: %w", err)
	}
	return acct, nil
}

func (l *Ledger) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return scanAccount(l.pool.QueryRow(ctx, selectAccount+` WHERE id = $1`, accountID))
}

func (l *Ledger) GetAccountByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Account, error) {
	return scanAccount(l.pool.QueryRow(ctx, selectAccount+` WHERE owner_id = $1`, ownerID))
}

// Recharge credits amount to the account.
func (l *Ledger) Recharge(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (*Result, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if accountID == uuid.Nil {
		return nil, invalid("account id is required")
	}

	var res *Result
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, "id", accountID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalRecharged = acct.TotalRecharged.Add(amount)

		txn := l.newTransaction(acct, models.TxRecharge, models.DirectionCredit, amount, description)
		if err := apply(ctx, tx, acct, txn); err != nil {
			return err
		}
		res = &Result{Account: acct, Transaction: txn}
		return nil
	})
	if err != nil {
		return nil, mapError("recharge", err)
	}

	l.logger.InfoContext(ctx, "account recharged",
		"account_id", accountID, "amount", amount.StringFixed(amountScale), "balance", res.Account.Balance.StringFixed(amountScale))
	return res, nil
}

// Consume debits amount from the account. taskID, when set, ties the debit to
// a task; a task can be charged only once.
func (l *Ledger) Consume(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, taskID *uuid.UUID, description string) (*Result, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if accountID == uuid.Nil {
		return nil, invalid("account id is required")
	}

	var res *Result
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, "id", accountID)
		if err != nil {
			return err
		}
		res, err = consume(ctx, tx, acct, amount, taskID, description, l.now().UTC())
		return err
	})
	if err != nil {
		return nil, mapError("consume", err)
	}
	return res, nil
}

// ConsumeByOwnerTx debits the account of ownerID inside an existing
// transaction. The caller owns commit and rollback. A validation or balance
// failure is returned before anything is written, so tx stays usable.
func ConsumeByOwnerTx(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID, amount decimal.Decimal, taskID uuid.UUID, description string, now time.Time) (*Result, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	acct, err := lockAccount(ctx, tx, "owner_id", ownerID)
	if err != nil {
		return nil, err
	}
	res, err := consume(ctx, tx, acct, amount, &taskID, description, now.UTC())
	if err != nil {
		return nil, mapError("consume", err)
	}
	return res, nil
}

func consume(ctx context.Context, tx pgx.Tx, acct *models.Account, amount decimal.Decimal, taskID *uuid.UUID, description string, now time.Time) (*Result, error) {
	if acct.Balance.LessThan(amount) {
		return nil, &BalanceError{Balance: acct.Balance, Requested: amount}
	}
	acct.Balance = acct.Balance.Sub(amount)
	acct.TotalConsumed = acct.TotalConsumed.Add(amount)
	acct.UpdatedAt = now

	txn := &models.LedgerTransaction{
		ID:           newTransactionID(),
		AccountID:    acct.ID,
		Type:         models.TxConsume,
		Direction:    models.DirectionDebit,
		Amount:       amount,
		BalanceAfter: acct.Balance,
		TaskID:       taskID,
		Description:  description,
		CreatedAt:    now,
	}
	if err := apply(ctx, tx, acct, txn); err != nil {
		return nil, err
	}
	return &Result{Account: acct, Transaction: txn}, nil
}

// Refund credits amount back to the account and reduces total consumed,
// floored at zero.
func (l *Ledger) Refund(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, taskID *uuid.UUID, description string) (*Result, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if accountID == uuid.Nil {
		return nil, invalid("account id is required")
	}

	var res *Result
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, "id", accountID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalConsumed = decimal.Max(acct.TotalConsumed.Sub(amount), decimal.Zero)

		txn := l.newTransaction(acct, models.TxRefund, models.DirectionCredit, amount, description)
		txn.TaskID = taskID
		if err := apply(ctx, tx, acct, txn); err != nil {
			return err
		}
		res = &Result{Account: acct, Transaction: txn}
		return nil
	})
	if err != nil {
		return nil, mapError("refund", err)
	}

	l.logger.InfoContext(ctx, "account refunded",
		"account_id", accountID, "amount", amount.StringFixed(amountScale))
	return res, nil
}

// Transfer moves amount from one account to another. Both rows are locked in
// id order so opposing transfers cannot deadlock.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, description string) (*TransferResult, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if fromID == uuid.Nil || toID == uuid.Nil {
		return nil, invalid("both account ids are required")
	}
	if fromID == toID {
		return nil, invalid("cannot transfer to the same account")
	}

	var res *TransferResult
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		first, second := fromID, toID
		if bytes.Compare(first[:], second[:]) > 0 {
			first, second = second, first
		}
		a, err := lockAccount(ctx, tx, "id", first)
		if err != nil {
			return err
		}
		b, err := lockAccount(ctx, tx, "id", second)
		if err != nil {
			return err
		}
		from, to := a, b
		if from.ID != fromID {
			from, to = b, a
		}

		if from.Balance.LessThan(amount) {
			return &BalanceError{Balance: from.Balance, Requested: amount}
		}
		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)

		transferID := uuid.New()
		debit := l.newTransaction(from, models.TxTransfer, models.DirectionDebit, amount, description)
		debit.CounterpartyAccountID = &to.ID
		debit.TransferID = &transferID
		credit := l.newTransaction(to, models.TxTransfer, models.DirectionCredit, amount, description)
		credit.CounterpartyAccountID = &from.ID
		credit.TransferID = &transferID
		credit.CreatedAt = debit.CreatedAt

		if err := apply(ctx, tx, from, debit); err != nil {
			return err
		}
		if err := apply(ctx, tx, to, credit); err != nil {
			return err
		}
		res = &TransferResult{From: from, To: to, Debit: debit, Credit: credit}
		return nil
	})
	if err != nil {
		return nil, mapError("transfer", err)
	}

	l.logger.InfoContext(ctx, "transfer completed",
		"from_account_id", fromID, "to_account_id", toID, "amount", amount.StringFixed(amountScale))
	return res, nil
}

// ListTransactions returns an account's transactions oldest first.
func (l *Ledger) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.LedgerTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, account_id, type, direction, amount, balance_after, task_id,
		        counterparty_account_id, transfer_id, description, created_at
		 FROM ledger_transactions WHERE account_id = $1
		 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.LedgerTransaction
	for rows.Next() {
		var t models.LedgerTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Direction, &t.Amount, &t.BalanceAfter,
			&t.TaskID, &t.CounterpartyAccountID, &t.TransferID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

// Audit recomputes the balance from the transaction log and compares it with
// the stored balance.
func (l *Ledger) Audit(ctx context.Context, accountID uuid.UUID) (*AuditReport, error) {
	acct, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{AccountID: accountID, StoredBalance: acct.Balance}
	err = l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE direction = 'credit'), 0),
		        COALESCE(SUM(amount) FILTER (WHERE direction = 'debit'), 0),
		        COUNT(*)
		 FROM ledger_transactions WHERE account_id = $1`, accountID,
	).Scan(&report.Credits, &report.Debits, &report.Transactions)
	if err != nil {
		return nil, fmt.Errorf("audit account: %w", err)
	}

	report.LedgerBalance = report.Credits.Sub(report.Debits)
	report.Consistent = report.LedgerBalance.Equal(report.StoredBalance)
	if !report.Consistent {
		l.logger.ErrorContext(ctx, "ledger audit mismatch",
			"account_id", accountID,
			"stored_balance", report.StoredBalance.StringFixed(amountScale),
			"ledger_balance", report.LedgerBalance.StringFixed(amountScale))
	}
	return report, nil
}

func (l *Ledger) newTransaction(acct *models.Account, typ models.TransactionType, dir models.Direction, amount decimal.Decimal, description string) *models.LedgerTransaction {
	now := l.now().UTC()
	acct.UpdatedAt = now
	return &models.LedgerTransaction{
		ID:           newTransactionID(),
		AccountID:    acct.ID,
		Type:         typ,
		Direction:    dir,
		Amount:       amount,
		BalanceAfter: acct.Balance,
		Description:  description,
		CreatedAt:    now,
	}
}

// newTransactionID returns a time-ordered id so log order survives equal timestamps.
func newTransactionID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount must be positive, got %s", amount.String())
	}
	if !amount.Equal(amount.Round(amountScale)) {
		return invalid("amount has more than %d decimal places", amountScale)
	}
	if amount.GreaterThan(maxAmount) {
		return invalid("amount exceeds %s", maxAmount.String())
	}
	return nil
}

const selectAccount = `SELECT id, owner_id, balance, total_recharged, total_consumed, created_at, updated_at FROM accounts`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Balance, &a.TotalRecharged, &a.TotalConsumed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// lockAccount reads an account with a row lock held until tx ends. column is
// either "id" or "owner_id".
func lockAccount(ctx context.Context, tx pgx.Tx, column string, key uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, selectAccount+` WHERE `+column+` = $1 FOR UPDATE`, key))
}

func apply(ctx context.Context, tx pgx.Tx, acct *models.Account, txn *models.LedgerTransaction) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2, total_recharged = $3, total_consumed = $4, updated_at = $5 WHERE id = $1`,
		acct.ID, acct.Balance, acct.TotalRecharged, acct.TotalConsumed, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, account_id, type, direction, amount, balance_after, task_id,
		                                  counterparty_account_id, transfer_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.AccountID, txn.Type, txn.Direction, txn.Amount, txn.BalanceAfter, txn.TaskID,
		txn.CounterpartyAccountID, txn.TransferID, txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// mapError turns database constraint failures into ledger sentinels.
func mapError(op string, err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrAccountNotFound):
		return err
	}
	switch pgCode(err) {
	case pgCheckViolation:
		return ErrInsufficientBalance
	case pgUniqueViolation:
		return ErrAlreadyCharged
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
