package ledger_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openFunded(t *testing.T, l *ledger.Ledger, amount string) *models.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := l.OpenAccount(ctx, uuid.New())
	require.NoError(t, err)
	if amount != "0" {
		_, err = l.Recharge(ctx, acct.ID, dec(amount), "initial")
		require.NoError(t, err)
	}
	return acct
}

func assertBalance(t *testing.T, l *ledger.Ledger, id uuid.UUID, want string) {
	t.Helper()
	acct, err := l.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, dec(want).Equal(acct.Balance), "balance = %s, want %s", acct.Balance, want)
}

func assertConsistent(t *testing.T, l *ledger.Ledger, id uuid.UUID) {
	t.Helper()
	report, err := l.Audit(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "stored %s vs ledger %s", report.StoredBalance, report.LedgerBalance)
}

func TestValidation_NoStateChange(t *testing.T) {
	l := ledger.New(nil)
	ctx := context.Background()
	id := uuid.New()

	tests := map[string]decimal.Decimal{
		"zero":        decimal.Zero,
		"negative":    dec("-5"),
		"too_precise": dec("1.005"),
		"too_large":   dec("1000000000000"),
	}
	for name, amount := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := l.Recharge(ctx, id, amount, "")
			assert.ErrorIs(t, err, ledger.ErrValidation)
			_, err = l.Consume(ctx, id, amount, nil, "")
			assert.ErrorIs(t, err, ledger.ErrValidation)
			_, err = l.Refund(ctx, id, amount, nil, "")
			assert.ErrorIs(t, err, ledger.ErrValidation)
			_, err = l.Transfer(ctx, id, uuid.New(), amount, "")
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	_, err := l.Transfer(ctx, id, id, dec("1"), "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = l.Recharge(ctx, uuid.Nil, dec("1"), "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = l.OpenAccount(ctx, uuid.Nil)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestBalanceError(t *testing.T) {
	err := &ledger.BalanceError{Balance: dec("70"), Requested: dec("80")}
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "have 70.00, need 80.00")
}

func TestRechargeConsumeRefund(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	l := ledger.New(setupTestDB(t))
	ctx := context.Background()

	acct := openFunded(t, l, "100")

	res, err := l.Consume(ctx, acct.ID, dec("30"), nil, "render")
	require.NoError(t, err)
	assert.True(t, dec("70").Equal(res.Account.Balance))
	assert.True(t, dec("70").Equal(res.Transaction.BalanceAfter))
	assert.Equal(t, models.TxConsume, res.Transaction.Type)
	assert.Equal(t, models.DirectionDebit, res.Transaction.Direction)

	_, err = l.Consume(ctx, acct.ID, dec("80"), nil, "too much")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assertBalance(t, l, acct.ID, "70")

	res, err = l.Refund(ctx, acct.ID, dec("50"), nil, "goodwill")
	require.NoError(t, err)
	assert.True(t, dec("120").Equal(res.Account.Balance))
	// Total consumed is floored at zero.
	assert.True(t, decimal.Zero.Equal(res.Account.TotalConsumed))
	assert.True(t, dec("100").Equal(res.Account.TotalRecharged))

	txns, err := l.ListTransactions(ctx, acct.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, models.TxRecharge, txns[0].Type)
	assert.Equal(t, models.TxConsume, txns[1].Type)
	assert.Equal(t, models.TxRefund, txns[2].Type)

	assertConsistent(t, l, acct.ID)

	_, err = l.Recharge(ctx, uuid.New(), dec("1"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestOpenAccount_OnePerOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	l := ledger.New(setupTestDB(t))
	ctx := context.Background()
	owner := uuid.New()

	acct, err := l.OpenAccount(ctx, owner)
	require.NoError(t, err)
	_, err = l.OpenAccount(ctx, owner)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	got, err := l.GetAccountByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = l.GetAccountByOwner(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestConsume_TaskChargedOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	l := ledger.New(setupTestDB(t))
	ctx := context.Background()
	acct := openFunded(t, l, "100")
	taskID := uuid.New()

	_, err := l.Consume(ctx, acct.ID, dec("10"), &taskID, "task")
	require.NoError(t, err)
	_, err = l.Consume(ctx, acct.ID, dec("10"), &taskID, "task again")
	assert.ErrorIs(t, err, ledger.ErrAlreadyCharged)
	assertBalance(t, l, acct.ID, "90")
}

func TestTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	l := ledger.New(setupTestDB(t))
	ctx := context.Background()
	a := openFunded(t, l, "100")
	b := openFunded(t, l, "0")

	res, err := l.Transfer(ctx, a.ID, b.ID, dec("50"), "split")
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(res.From.Balance))
	assert.True(t, dec("50").Equal(res.To.Balance))
	require.NotNil(t, res.Debit.TransferID)
	assert.Equal(t, *res.Debit.TransferID, *res.Credit.TransferID)
	assert.Equal(t, models.DirectionDebit, res.Debit.Direction)
	assert.Equal(t, models.DirectionCredit, res.Credit.Direction)
	assert.Equal(t, b.ID, *res.Debit.CounterpartyAccountID)
	assert.Equal(t, a.ID, *res.Credit.CounterpartyAccountID)

	_, err = l.Transfer(ctx, a.ID, b.ID, dec("60"), "overdraw")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assertBalance(t, l, a.ID, "50")
	assertBalance(t, l, b.ID, "50")

	_, err = l.Transfer(ctx, a.ID, uuid.New(), dec("1"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	assertConsistent(t, l, a.ID)
	assertConsistent(t, l, b.ID)
}

func TestConcurrentConsume_NeverOverdraws(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	l := ledger.New(setupTestDB(t))
	ctx := context.Background()
	acct := openFunded(t, l, "100")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, acct.ID, dec("10"), nil, "race")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assertBalance(t, l, acct.ID, "0")
	assertConsistent(t, l, acct.ID)
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	l := ledger.New(setupTestDB(t))
	ctx := context.Background()
	a := openFunded(t, l, "100")
	b := openFunded(t, l, "100")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Transfer(ctx, a.ID, b.ID, dec("5"), "a to b")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := l.Transfer(ctx, b.ID, a.ID, dec("5"), "b to a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertBalance(t, l, a.ID, "100")
	assertBalance(t, l, b.ID, "100")
	assertConsistent(t, l, a.ID)
	assertConsistent(t, l, b.ID)
}

func TestConsumeByOwnerTx_RollsBackWithCaller(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	l := ledger.New(pool)
	ctx := context.Background()
	acct := openFunded(t, l, "20")

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = ledger.ConsumeByOwnerTx(ctx, tx, acct.OwnerID, dec("50"), uuid.New(), "", time.Now())
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	res, err := ledger.ConsumeByOwnerTx(ctx, tx, acct.OwnerID, dec("15"), uuid.New(), "", time.Now())
	require.NoError(t, err, "tx stays usable after a balance failure")
	assert.True(t, dec("5").Equal(res.Account.Balance))
	require.NoError(t, tx.Rollback(ctx))

	assertBalance(t, l, acct.ID, "20")

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := ledger.ConsumeByOwnerTx(ctx, tx, acct.OwnerID, dec("15"), uuid.New(), "", time.Now())
		return err
	})
	require.NoError(t, err)
	assertBalance(t, l, acct.ID, "5")
	assertConsistent(t, l, acct.ID)
}
