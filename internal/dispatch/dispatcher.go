// Package dispatch hands waiting tasks to idle workers, watches worker
// heartbeats and applies the results workers report back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/cache"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/internal/worker"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kiranshivaraju/mattehub/internal/dispatch"

// maxClaimAttempts bounds re-selection when another dispatcher wins the
// claim on the worker we picked.
const maxClaimAttempts = 3

// resolveTimeout bounds the bookkeeping after a worker call, which runs even
// if the tick context is cancelled.
const resolveTimeout = 10 * time.Second

var ErrAlreadyRunning = errors.New("dispatcher already running")

// Store is what the dispatcher needs from persistence.
type Store interface {
	ListWaiting(ctx context.Context, limit int) ([]*models.Task, error)
	GetModel(ctx context.Context, name string) (*models.Model, error)
	RevokeExpiredLeases(ctx context.Context, now time.Time) ([]store.RevokedLease, error)

	FindBestIdle(ctx context.Context) (string, error)
	ClaimIdle(ctx context.Context, address string, taskID uuid.UUID) (bool, error)
	Release(ctx context.Context, address string, taskID uuid.UUID) (bool, error)

	BeginAttempt(ctx context.Context, taskID uuid.UUID, address string) (*models.DispatchAttempt, error)
	AcceptAttempt(ctx context.Context, a store.Acceptance) error
	RejectAttempt(ctx context.Context, attemptID uuid.UUID, message string) error
	FailAttempt(ctx context.Context, attemptID uuid.UUID, message string) error
}

// Locker serializes ticks across processes. cache.RedisCache implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Config controls tick pacing and the assignment payload.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// Lease is how long an accepted task may run without a callback. Zero
	// disables revocation.
	Lease time.Duration
	// CallbackURL is where workers report progress; the attempt id is appended.
	CallbackURL string
	// CallTimeout is the worker client's per-call timeout. It sizes the
	// default LockTTL.
	CallTimeout time.Duration
	// LockTTL bounds how long a crashed process can hold the tick lock. It
	// defaults to the longest a full batch can take.
	LockTTL time.Duration
}

// Outcome is what happened to one task in a tick.
type Outcome string

const (
	OutcomeAssigned    Outcome = "assigned"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeNoWorker    Outcome = "no_worker"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeError       Outcome = "error"
)

// TickReport summarizes one tick.
type TickReport struct {
	Locked     bool
	WentStale  []string
	Revoked    int
	Considered int
	Outcomes   map[Outcome]int
}

// Dispatcher periodically assigns waiting tasks to idle workers. Ticks never
// overlap: the next one is scheduled only after the current one returns.
type Dispatcher struct {
	store   Store
	client  worker.Client
	monitor *Monitor
	locker  Locker
	status  StatusCache
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Dispatcher)

// WithMonitor runs the heartbeat sweep at the start of every tick.
func WithMonitor(m *Monitor) Option {
	return func(d *Dispatcher) { d.monitor = m }
}

func WithLocker(l Locker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithStatusCache keeps the poll mirror in step with acceptances and lease
// revocations.
func WithStatusCache(c StatusCache) Option {
	return func(d *Dispatcher) { d.status = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a Dispatcher. Zero config values fall back to defaults.
func New(st Store, client worker.Client, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Duration(cfg.BatchSize)*(cfg.CallTimeout+resolveTimeout) + resolveTimeout
	}
	d := &Dispatcher{
		store:  st,
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the loop in the background until Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	done := make(chan struct{})
	d.done = done
	go func() {
		defer close(done)
		d.loop(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the current tick to finish, or for ctx
// to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks running ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	d.logger.Info("dispatcher started", "interval", d.cfg.Interval.String(), "batch_size", d.cfg.BatchSize)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-timer.C:
			d.Tick(ctx)
			timer.Reset(d.cfg.Interval)
		}
	}
}

// Tick runs one dispatch pass. It never panics and never returns an error;
// failures are logged and counted in the report.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	ctx, span := d.tracer.Start(ctx, "dispatch.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	report := TickReport{Outcomes: map[Outcome]int{}}

	if d.locker != nil {
		token := uuid.NewString()
		ok, err := d.locker.AcquireLock(ctx, cache.DispatchLockKey, token, d.cfg.LockTTL)
		switch {
		case err != nil:
			d.logger.Warn("tick lock unavailable, dispatching without it", "error", err)
		case !ok:
			report.Locked = true
			span.SetAttributes(attribute.Bool("mattehub.tick.locked", true))
			return report
		default:
			defer func() {
				if err := d.locker.ReleaseLock(context.WithoutCancel(ctx), cache.DispatchLockKey, token); err != nil {
					d.logger.Warn("release tick lock", "error", err)
				}
			}()
		}
	}

	if d.monitor != nil {
		stale, err := d.monitor.Sweep(ctx)
		if err != nil {
			d.logger.Error("heartbeat sweep failed", "error", err)
		}
		report.WentStale = stale
	}

	if d.cfg.Lease > 0 {
		revoked, err := d.store.RevokeExpiredLeases(ctx, d.now())
		if err != nil {
			d.logger.Error("lease revocation failed", "error", err)
		}
		for _, r := range revoked {
			d.logger.Warn("task lease expired, requeued", "task_id", r.TaskID, "worker", r.WorkerAddress)
			d.forgetStatus(ctx, r.TaskID)
		}
		report.Revoked = len(revoked)
	}

	tasks, err := d.store.ListWaiting(ctx, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("list waiting tasks failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report
	}
	report.Considered = len(tasks)

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		outcome, err := d.dispatchTask(ctx, task)
		if err != nil {
			d.logger.Error("dispatch task failed", "task_id", task.ID, "outcome", outcome, "error", err)
		}
		report.Outcomes[outcome]++
	}

	span.SetAttributes(
		attribute.Int("mattehub.tick.considered", report.Considered),
		attribute.Int("mattehub.tick.assigned", report.Outcomes[OutcomeAssigned]),
	)
	if report.Considered > 0 || report.Revoked > 0 || len(report.WentStale) > 0 {
		d.logger.Info("dispatch tick",
			"considered", report.Considered,
			"assigned", report.Outcomes[OutcomeAssigned],
			"rejected", report.Outcomes[OutcomeRejected],
			"unreachable", report.Outcomes[OutcomeUnreachable],
			"no_worker", report.Outcomes[OutcomeNoWorker],
			"revoked", report.Revoked,
			"went_offline", len(report.WentStale))
	}
	return report
}

// dispatchTask offers one task to one worker. A panic is turned into an error
// so that one bad task cannot stop the loop.
func (d *Dispatcher) dispatchTask(ctx context.Context, task *models.Task) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			err = fmt.Errorf("panic dispatching task %s: %v", task.ID, r)
		}
	}()

	model, err := d.store.GetModel(ctx, task.ModelName)
	if err != nil {
		return OutcomeError, fmt.Errorf("get model %q: %w", task.ModelName, err)
	}
	if !model.Enabled {
		return OutcomeSkipped, nil
	}

	address, err := d.claimWorker(ctx, task.ID)
	switch {
	case errors.Is(err, store.ErrNoIdleWorker):
		return OutcomeNoWorker, nil
	case errors.Is(err, store.ErrTaskClaimed):
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeError, err
	}

	attempt, err := d.store.BeginAttempt(ctx, task.ID, address)
	if err != nil {
		d.release(ctx, address, task.ID)
		return OutcomeError, err
	}

	logger := d.logger.With("task_id", task.ID, "attempt_id", attempt.ID, "worker", address)
	resp, callErr := d.client.Assign(ctx, address, worker.AssignRequest{
		TaskID:         task.ID.String(),
		AttemptID:      attempt.ID.String(),
		VideoPath:      task.VideoPath,
		ForegroundPath: task.ForegroundPath,
		BackgroundPath: task.BackgroundPath,
		ModelName:      model.Name,
		ModelAlias:     model.Alias,
		CallbackURL:    d.callbackURL(attempt.ID),
		WorkerURL:      address,
	})

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()

	switch {
	case callErr == nil:
		acc := store.Acceptance{
			AttemptID:          attempt.ID,
			Message:            resp.Message,
			MaskVideoPath:      resp.MaskVideoPath,
			CompositeVideoPath: resp.CompositeVideoPath,
			At:                 d.now(),
		}
		if d.cfg.Lease > 0 {
			lease := d.now().Add(d.cfg.Lease)
			acc.LeaseExpiresAt = &lease
		}
		err := d.store.AcceptAttempt(rctx, acc)
		if errors.Is(err, store.ErrInvalidTransition) {
			logger.Warn("worker accepted a task that is no longer waiting")
			if err := d.store.RejectAttempt(rctx, attempt.ID, "task no longer waiting"); err != nil {
				return OutcomeError, err
			}
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeError, err
		}
		logger.Info("task assigned")
		d.mirrorStatus(rctx, task.ID, cache.TaskStatus{
			OwnerID:   task.OwnerID,
			Status:    string(models.TaskStatusProcessing),
			Progress:  task.Progress,
			UpdatedAt: acc.At,
		})
		return OutcomeAssigned, nil

	case errors.Is(callErr, worker.ErrWorkerRejected):
		msg := callErr.Error()
		if resp != nil && resp.Message != "" {
			msg = resp.Message
		}
		logger.Info("worker rejected task", "message", msg)
		if err := d.store.RejectAttempt(rctx, attempt.ID, msg); err != nil {
			return OutcomeError, err
		}
		return OutcomeRejected, nil

	case ctx.Err() != nil:
		// Shutting down mid-call: the worker did nothing wrong.
		d.release(rctx, address, task.ID)
		return OutcomeSkipped, nil

	default:
		logger.Warn("worker unreachable, marking offline", "error", callErr)
		if err := d.store.FailAttempt(rctx, attempt.ID, callErr.Error()); err != nil {
			return OutcomeError, err
		}
		return OutcomeUnreachable, nil
	}
}

// claimWorker picks the best idle worker and claims it for taskID. Losing the
// claim to a concurrent dispatcher triggers a fresh selection.
func (d *Dispatcher) claimWorker(ctx context.Context, taskID uuid.UUID) (string, error) {
	for i := 0; i < maxClaimAttempts; i++ {
		address, err := d.store.FindBestIdle(ctx)
		if err != nil {
			return "", err
		}
		ok, err := d.store.ClaimIdle(ctx, address, taskID)
		if err != nil {
			return "", err
		}
		if ok {
			return address, nil
		}
		d.logger.Debug("worker claimed by another dispatcher, reselecting", "worker", address, "task_id", taskID)
	}
	return "", fmt.Errorf("%w: lost %d claims in a row", store.ErrNoIdleWorker, maxClaimAttempts)
}

func (d *Dispatcher) release(ctx context.Context, address string, taskID uuid.UUID) {
	if _, err := d.store.Release(ctx, address, taskID); err != nil {
		d.logger.Error("release worker failed", "worker", address, "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) mirrorStatus(ctx context.Context, taskID uuid.UUID, st cache.TaskStatus) {
	if d.status == nil {
		return
	}
	if err := d.status.SetTaskStatus(ctx, taskID, st, statusTTL); err != nil {
		d.logger.Warn("mirror task status", "task_id", taskID, "error", err)
	}
}

// forgetStatus drops the mirror so pollers read the task from the database.
func (d *Dispatcher) forgetStatus(ctx context.Context, taskID uuid.UUID) {
	if d.status == nil {
		return
	}
	if err := d.status.DeleteTaskStatus(ctx, taskID); err != nil {
		d.logger.Warn("drop task status", "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) callbackURL(attemptID uuid.UUID) string {
	return d.cfg.CallbackURL + "?attempt=" + attemptID.String()
}
