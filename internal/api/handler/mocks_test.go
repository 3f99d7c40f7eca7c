package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mattehub/internal/api/middleware"
	"github.com/kiranshivaraju/mattehub/internal/cache"
	"github.com/kiranshivaraju/mattehub/internal/dispatch"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// --- mock task store ---

type mockTasks struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*models.Task
	lastFilter store.TaskFilter
	err        error
}

func newMockTasks(tasks ...*models.Task) *mockTasks {
	m := &mockTasks{tasks: map[uuid.UUID]*models.Task{}}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *mockTasks) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *mockTasks) ListTasks(_ context.Context, f store.TaskFilter) ([]*models.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = f
	if m.err != nil {
		return nil, 0, m.err
	}
	var out []*models.Task
	for _, t := range m.tasks {
		if f.OwnerID != nil && t.OwnerID != *f.OwnerID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	start := min((f.Page-1)*f.Limit, total)
	end := min(start+f.Limit, total)
	return out[start:end], total, nil
}

func (m *mockTasks) CancelTask(_ context.Context, id, ownerID uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	if t.Status != models.TaskStatusWaiting {
		return nil, store.ErrInvalidTransition
	}
	msg := "cancelled"
	t.Status, t.ErrorMessage = models.TaskStatusFailed, &msg
	c := *t
	return &c, nil
}

func (m *mockTasks) CreateTask(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t.ID = uuid.New()
	t.Status = models.TaskStatusWaiting
	t.CreatedAt, t.UpdatedAt = now, now
	c := *t
	m.tasks[t.ID] = &c
	return nil
}

func (m *mockTasks) GetModel(_ context.Context, name string) (*models.Model, error) {
	switch name {
	case "rvm":
		return &models.Model{Name: "rvm", Price: decimal.RequireFromString("2.50"), Enabled: true}, nil
	case "retired":
		return &models.Model{Name: "retired", Price: decimal.RequireFromString("1"), Enabled: false}, nil
	}
	return nil, store.ErrNotFound
}

func newTask(owner uuid.UUID, status models.TaskStatus) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:          uuid.New(),
		OwnerID:     owner,
		VideoPath:   "/videos/in.mp4",
		ModelName:   "rvm",
		Status:      status,
		OutputPaths: map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// --- mock submitter ---

type mockSubmitter struct {
	got dispatch.Submission
	fn  func(sub dispatch.Submission) (*models.Task, error)
}

func (m *mockSubmitter) Submit(_ context.Context, sub dispatch.Submission) (*models.Task, error) {
	m.got = sub
	return m.fn(sub)
}

// --- mock status cache ---

type mockStatus struct {
	status  map[uuid.UUID]cache.TaskStatus
	reads   int
	deleted []uuid.UUID
}

func (m *mockStatus) DeleteTaskStatus(_ context.Context, id uuid.UUID) error {
	m.deleted = append(m.deleted, id)
	delete(m.status, id)
	return nil
}

func (m *mockStatus) GetTaskStatus(_ context.Context, id uuid.UUID) (*cache.TaskStatus, bool, error) {
	m.reads++
	st, ok := m.status[id]
	if !ok {
		return nil, false, nil
	}
	return &st, true, nil
}

// --- mock callback service ---

type mockCallbacks struct {
	got dispatch.Callback
	res *dispatch.CallbackResult
	err error
}

func (m *mockCallbacks) Handle(_ context.Context, cb dispatch.Callback) (*dispatch.CallbackResult, error) {
	m.got = cb
	return m.res, m.err
}

// --- mock heartbeat recorder and worker lister ---

type mockWorkers struct {
	beats     []string
	err       error
	list      []*models.Worker
	gotStatus models.WorkerStatus
}

func (m *mockWorkers) Beat(_ context.Context, address, message string) (*models.Worker, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := dispatch.ValidateAddress(address); err != nil {
		return nil, err
	}
	m.beats = append(m.beats, address)
	now := time.Now().UTC()
	return &models.Worker{Address: address, Status: models.WorkerStatusIdle, StatusMessage: message, LastHeartbeatAt: &now}, nil
}

func (m *mockWorkers) ListWorkers(_ context.Context, status models.WorkerStatus) ([]*models.Worker, error) {
	m.gotStatus = status
	return m.list, m.err
}

// --- mock ledger ---

type mockLedger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	txns     []*models.LedgerTransaction
}

func newMockLedger() *mockLedger {
	return &mockLedger{accounts: map[uuid.UUID]*models.Account{}}
}

func (m *mockLedger) open(owner uuid.UUID, balance string) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &models.Account{ID: uuid.New(), OwnerID: owner, Balance: decimal.RequireFromString(balance)}
	m.accounts[a.ID] = a
	return a
}

func (m *mockLedger) OpenAccount(_ context.Context, owner uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	for _, a := range m.accounts {
		if a.OwnerID == owner {
			m.mu.Unlock()
			return nil, ledger.ErrAccountExists
		}
	}
	m.mu.Unlock()
	return m.open(owner, "0"), nil
}

func (m *mockLedger) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (m *mockLedger) GetAccountByOwner(_ context.Context, owner uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.OwnerID == owner {
			c := *a
			return &c, nil
		}
	}
	return nil, ledger.ErrAccountNotFound
}

func (m *mockLedger) apply(id uuid.UUID, amount decimal.Decimal, typ models.TransactionType, dir models.Direction, taskID *uuid.UUID) (*ledger.Result, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrValidation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	if dir == models.DirectionDebit {
		if a.Balance.LessThan(amount) {
			return nil, &ledger.BalanceError{Balance: a.Balance, Requested: amount}
		}
		a.Balance = a.Balance.Sub(amount)
	} else {
		a.Balance = a.Balance.Add(amount)
	}
	txn := &models.LedgerTransaction{ID: uuid.New(), AccountID: id, Type: typ, Direction: dir, Amount: amount, BalanceAfter: a.Balance, TaskID: taskID}
	m.txns = append(m.txns, txn)
	c := *a
	return &ledger.Result{Account: &c, Transaction: txn}, nil
}

func (m *mockLedger) Recharge(_ context.Context, id uuid.UUID, amount decimal.Decimal, _ string) (*ledger.Result, error) {
	return m.apply(id, amount, models.TxRecharge, models.DirectionCredit, nil)
}

func (m *mockLedger) Consume(_ context.Context, id uuid.UUID, amount decimal.Decimal, taskID *uuid.UUID, _ string) (*ledger.Result, error) {
	return m.apply(id, amount, models.TxConsume, models.DirectionDebit, taskID)
}

func (m *mockLedger) Refund(_ context.Context, id uuid.UUID, amount decimal.Decimal, taskID *uuid.UUID, _ string) (*ledger.Result, error) {
	return m.apply(id, amount, models.TxRefund, models.DirectionCredit, taskID)
}

func (m *mockLedger) Transfer(_ context.Context, from, to uuid.UUID, amount decimal.Decimal, _ string) (*ledger.TransferResult, error) {
	if from == to {
		return nil, ledger.ErrValidation
	}
	if _, err := m.GetAccount(context.Background(), to); err != nil {
		return nil, err
	}
	debit, err := m.apply(from, amount, models.TxTransfer, models.DirectionDebit, nil)
	if err != nil {
		return nil, err
	}
	credit, err := m.apply(to, amount, models.TxTransfer, models.DirectionCredit, nil)
	if err != nil {
		return nil, err
	}
	return &ledger.TransferResult{From: debit.Account, To: credit.Account, Debit: debit.Transaction, Credit: credit.Transaction}, nil
}

func (m *mockLedger) ListTransactions(_ context.Context, id uuid.UUID, limit, offset int) ([]*models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerTransaction
	for _, t := range m.txns {
		if t.AccountID == id {
			out = append(out, t)
		}
	}
	start := min(offset, len(out))
	return out[start:min(start+limit, len(out))], nil
}

func (m *mockLedger) Audit(ctx context.Context, id uuid.UUID) (*ledger.AuditReport, error) {
	a, err := m.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ledger.AuditReport{AccountID: id, StoredBalance: a.Balance, LedgerBalance: a.Balance, Consistent: true}, nil
}

// --- mock key store ---

type mockKeyStore struct {
	keys []*models.APIKey
	err  error
}

func (m *mockKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	if m.err != nil {
		return m.err
	}
	for _, k := range m.keys {
		if k.Name == key.Name && k.OwnerID == key.OwnerID {
			return store.ErrDuplicateKey
		}
	}
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockKeyStore) ListAPIKeys(_ context.Context, owner uuid.UUID) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.OwnerID == owner {
			out = append(out, k)
		}
	}
	return out, m.err
}

func (m *mockKeyStore) RevokeAPIKey(_ context.Context, id, owner uuid.UUID) error {
	for _, k := range m.keys {
		if k.ID == id && k.OwnerID == owner {
			return nil
		}
	}
	return store.ErrNotFound
}

// --- mock model catalog ---

type mockCatalog struct {
	list     []*models.Model
	upserted *models.Model
}

func (m *mockCatalog) ListModels(_ context.Context) ([]*models.Model, error) { return m.list, nil }

func (m *mockCatalog) UpsertModel(_ context.Context, md *models.Model) (*models.Model, error) {
	m.upserted = md
	return md, nil
}

// --- helpers ---

func as(r *http.Request, owner uuid.UUID, scopes ...string) *http.Request {
	ctx := mw.SetOwnerID(r.Context(), owner)
	ctx = mw.SetScopes(ctx, scopes)
	return r.WithContext(ctx)
}

func withParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func jsonReq(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var r *http.Request
	switch b := body.(type) {
	case nil:
		r = httptest.NewRequest(method, path, nil)
	case string:
		r = httptest.NewRequest(method, path, stringsReader(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, stringsReader(string(raw)))
	}
	r.Header.Set("Content-Type", "application/json")
	return r
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func listOf(t *testing.T, w *httptest.ResponseRecorder) []any {
	t.Helper()
	var env struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func errOf(t *testing.T, w *httptest.ResponseRecorder) (code string, details map[string]any) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code, env.Error.Details
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }

func jsonDecode(w *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}

func errNotFound() error { return fmt.Errorf("settle task: %w", store.ErrNotFound) }
