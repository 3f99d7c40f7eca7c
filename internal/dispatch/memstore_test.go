package dispatch_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/internal/worker"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
)

// --- in-memory store ---

// memStore mirrors the conditional-update semantics of the Postgres store
// closely enough to drive the dispatcher and callback service.
type memStore struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.Task
	models   map[string]*models.Model
	workers  map[string]*models.Worker
	attempts map[uuid.UUID]*models.DispatchAttempt

	// beforeClaim runs before a claim is applied; returning false makes the
	// claim lose as if another dispatcher got there first.
	beforeClaim func(address string) bool
	// onGetModel runs on every model lookup.
	onGetModel func(name string)
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    map[uuid.UUID]*models.Task{},
		models:   map[string]*models.Model{},
		workers:  map[string]*models.Worker{},
		attempts: map[uuid.UUID]*models.DispatchAttempt{},
	}
}

func (m *memStore) addModel(name string, price string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[name] = &models.Model{Name: name, Price: decimal.RequireFromString(price), Enabled: enabled}
}

func (m *memStore) addTask(model string, createdAt time.Time) *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &models.Task{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		VideoPath:   "/videos/" + model + ".mp4",
		ModelName:   model,
		Status:      models.TaskStatusWaiting,
		OutputPaths: map[string]string{},
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	m.tasks[t.ID] = t
	return t
}

func (m *memStore) addWorker(address string, status models.WorkerStatus, succeeded int64, heartbeat time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb := heartbeat
	m.workers[address] = &models.Worker{Address: address, Status: status, Succeeded: succeeded, LastHeartbeatAt: &hb}
}

func (m *memStore) task(id uuid.UUID) models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

func (m *memStore) worker(address string) models.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.workers[address]
}

func (m *memStore) attemptsFor(taskID uuid.UUID) []models.DispatchAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchAttempt
	for _, a := range m.attempts {
		if a.TaskID == taskID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) ListWaiting(_ context.Context, limit int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusWaiting {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetModel(_ context.Context, name string) (*models.Model, error) {
	if m.onGetModel != nil {
		m.onGetModel(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.models[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *md
	return &c, nil
}

func (m *memStore) CreateTask(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t.ID = uuid.New()
	t.Status = models.TaskStatusWaiting
	t.CreatedAt, t.UpdatedAt = now, now
	if t.OutputPaths == nil {
		t.OutputPaths = map[string]string{}
	}
	c := *t
	m.tasks[t.ID] = &c
	return nil
}

func (m *memStore) RevokeExpiredLeases(_ context.Context, now time.Time) ([]store.RevokedLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RevokedLease
	for _, t := range m.tasks {
		if t.Status != models.TaskStatusProcessing || t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Before(now) {
			continue
		}
		r := store.RevokedLease{TaskID: t.ID, AttemptID: t.AttemptID}
		if t.WorkerAddress != nil {
			r.WorkerAddress = *t.WorkerAddress
			m.releaseLocked(*t.WorkerAddress, t.ID)
		}
		if t.AttemptID != nil {
			if a := m.attempts[*t.AttemptID]; a != nil && a.State == models.AttemptAccepted {
				a.State = models.AttemptExpired
			}
		}
		t.Status = models.TaskStatusWaiting
		t.WorkerAddress, t.AttemptID, t.LeaseExpiresAt = nil, nil, nil
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) FindBestIdle(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idle []*models.Worker
	for _, w := range m.workers {
		if w.Status == models.WorkerStatusIdle {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 {
		return "", store.ErrNoIdleWorker
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].Succeeded != idle[j].Succeeded {
			return idle[i].Succeeded > idle[j].Succeeded
		}
		return idle[i].Address < idle[j].Address
	})
	return idle[0].Address, nil
}

func (m *memStore) ClaimIdle(_ context.Context, address string, taskID uuid.UUID) (bool, error) {
	if m.beforeClaim != nil && !m.beforeClaim(address) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.CurrentTaskID != nil && *w.CurrentTaskID == taskID {
			return false, store.ErrTaskClaimed
		}
	}
	w, ok := m.workers[address]
	if !ok || w.Status != models.WorkerStatusIdle {
		return false, nil
	}
	id := taskID
	w.Status, w.CurrentTaskID = models.WorkerStatusBusy, &id
	return true, nil
}

func (m *memStore) Release(_ context.Context, address string, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(address, taskID), nil
}

func (m *memStore) releaseLocked(address string, taskID uuid.UUID) bool {
	w, ok := m.workers[address]
	if !ok || w.CurrentTaskID == nil || *w.CurrentTaskID != taskID {
		return false
	}
	w.Status, w.CurrentTaskID = models.WorkerStatusIdle, nil
	return true
}

func (m *memStore) BeginAttempt(_ context.Context, taskID uuid.UUID, address string) (*models.DispatchAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &models.DispatchAttempt{
		ID:            uuid.New(),
		TaskID:        taskID,
		WorkerAddress: address,
		State:         models.AttemptRequested,
		CreatedAt:     time.Now(),
	}
	m.attempts[a.ID] = a
	m.workers[address].Requested++
	c := *a
	return &c, nil
}

func (m *memStore) resolveLocked(id uuid.UUID, state models.AttemptState, message string) (*models.DispatchAttempt, error) {
	a, ok := m.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.State != models.AttemptRequested {
		return nil, fmt.Errorf("%w: attempt is %s", store.ErrInvalidTransition, a.State)
	}
	now := time.Now()
	a.State, a.Message, a.RespondedAt = state, message, &now
	return a, nil
}

func (m *memStore) AcceptAttempt(_ context.Context, acc store.Acceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[acc.AttemptID]
	if !ok {
		return store.ErrNotFound
	}
	t := m.tasks[a.TaskID]
	if a.State == models.AttemptRequested && t.Status != models.TaskStatusWaiting {
		return fmt.Errorf("%w: task %s is no longer waiting", store.ErrInvalidTransition, t.ID)
	}
	if _, err := m.resolveLocked(acc.AttemptID, models.AttemptAccepted, acc.Message); err != nil {
		return err
	}
	addr, id := a.WorkerAddress, a.ID
	t.Status, t.WorkerAddress, t.AttemptID = models.TaskStatusProcessing, &addr, &id
	t.MaskVideoPath, t.CompositeVideoPath, t.LeaseExpiresAt = acc.MaskVideoPath, acc.CompositeVideoPath, acc.LeaseExpiresAt
	w := m.workers[a.WorkerAddress]
	w.Responded++
	w.Succeeded++
	m.models[t.ModelName].UsageCount++
	return nil
}

func (m *memStore) RejectAttempt(_ context.Context, attemptID uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.resolveLocked(attemptID, models.AttemptRejected, message)
	if err != nil {
		return err
	}
	m.workers[a.WorkerAddress].Responded++
	m.releaseLocked(a.WorkerAddress, a.TaskID)
	return nil
}

func (m *memStore) FailAttempt(_ context.Context, attemptID uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.resolveLocked(attemptID, models.AttemptUnreachable, message)
	if err != nil {
		return err
	}
	w := m.workers[a.WorkerAddress]
	w.Status, w.CurrentTaskID = models.WorkerStatusOffline, nil
	return nil
}

func (m *memStore) RecordHeartbeat(_ context.Context, address string, at time.Time, message string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[address]
	if !ok {
		w = &models.Worker{Address: address, Status: models.WorkerStatusIdle}
		m.workers[address] = w
	}
	hb := at
	w.LastHeartbeatAt = &hb
	if w.Status == models.WorkerStatusOffline {
		w.Status = models.WorkerStatusIdle
	}
	if message != "" {
		w.StatusMessage = message
	}
	c := *w
	return &c, nil
}

func (m *memStore) MarkStaleOffline(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, w := range m.workers {
		if w.Status == models.WorkerStatusOffline {
			continue
		}
		if w.LastHeartbeatAt == nil || w.LastHeartbeatAt.Before(cutoff) {
			w.Status, w.CurrentTaskID = models.WorkerStatusOffline, nil
			out = append(out, w.Address)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) UpdateProgress(_ context.Context, u store.ProgressUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[u.TaskID]
	if !ok || t.Status != models.TaskStatusProcessing {
		return false, nil
	}
	if u.AttemptID != nil && (t.AttemptID == nil || *t.AttemptID != *u.AttemptID) {
		return false, nil
	}
	if u.Progress > t.Progress {
		t.Progress = u.Progress
	}
	if u.LeaseExpiresAt != nil {
		t.LeaseExpiresAt = u.LeaseExpiresAt
	}
	return true, nil
}

// Settle applies the task-side effects only; charging is covered by the
// store's integration tests.
func (m *memStore) Settle(_ context.Context, st store.Settlement) (*store.SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[st.TaskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	res := &store.SettleResult{}
	if t.Status.Terminal() {
		c := *t
		res.Task = &c
		return res, nil
	}
	if t.Status != models.TaskStatusProcessing ||
		(st.AttemptID != nil && (t.AttemptID == nil || *t.AttemptID != *st.AttemptID)) {
		c := *t
		res.Task, res.Stale = &c, true
		return res, nil
	}
	t.Status = st.Status
	if st.Status == models.TaskStatusCompleted {
		t.Progress = 100
		t.Cost = decimal.NewNullDecimal(m.models[t.ModelName].Price)
	} else {
		msg := st.Message
		t.ErrorMessage = &msg
	}
	if st.OutputPaths != nil {
		t.OutputPaths = st.OutputPaths
	}
	at := st.At
	t.CompletedAt, t.LeaseExpiresAt = &at, nil
	if t.WorkerAddress != nil {
		m.releaseLocked(*t.WorkerAddress, t.ID)
	}
	c := *t
	res.Task, res.Applied = &c, true
	return res, nil
}

// --- fake worker client ---

type assignCall struct {
	Address string
	Request worker.AssignRequest
}

// fakeClient answers assignments per worker address.
type fakeClient struct {
	mu      sync.Mutex
	calls   []assignCall
	replies map[string]func(ctx context.Context, req worker.AssignRequest) (*worker.AssignResponse, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{replies: map[string]func(context.Context, worker.AssignRequest) (*worker.AssignResponse, error){}}
}

func (f *fakeClient) on(address string, fn func(ctx context.Context, req worker.AssignRequest) (*worker.AssignResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[address] = fn
}

func (f *fakeClient) Assign(ctx context.Context, address string, req worker.AssignRequest) (*worker.AssignResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, assignCall{Address: address, Request: req})
	fn := f.replies[address]
	f.mu.Unlock()
	if fn == nil {
		return &worker.AssignResponse{Status: worker.StatusAccepted}, nil
	}
	return fn(ctx, req)
}

func (f *fakeClient) assigned() []assignCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assignCall(nil), f.calls...)
}

func accept(context.Context, worker.AssignRequest) (*worker.AssignResponse, error) {
	return &worker.AssignResponse{Status: worker.StatusAccepted, Message: "ok"}, nil
}

func reject(msg string) func(context.Context, worker.AssignRequest) (*worker.AssignResponse, error) {
	return func(context.Context, worker.AssignRequest) (*worker.AssignResponse, error) {
		resp := &worker.AssignResponse{Status: "rejected", Message: msg}
		return resp, &worker.RejectedError{StatusCode: 200, Response: resp}
	}
}

func unreachable(context.Context, worker.AssignRequest) (*worker.AssignResponse, error) {
	return nil, fmt.Errorf("%w: connection refused", worker.ErrWorkerUnreachable)
}
