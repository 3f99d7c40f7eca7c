// Package main is the entrypoint for the mattehub server: the HTTP API, the
// dispatch loop and the heartbeat monitor in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/mattehub/internal/api"
	"github.com/kiranshivaraju/mattehub/internal/api/handler"
	mw "github.com/kiranshivaraju/mattehub/internal/api/middleware"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/internal/cache"
	"github.com/kiranshivaraju/mattehub/internal/config"
	"github.com/kiranshivaraju/mattehub/internal/dispatch"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/internal/telemetry"
	"github.com/kiranshivaraju/mattehub/internal/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "public_base_url", cfg.Server.PublicBaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)
	accounts := ledger.New(pool, ledger.WithLogger(slog.Default()))

	var clientOpts []worker.Option
	if cfg.Worker.APIKey != "" {
		clientOpts = append(clientOpts, worker.WithAPIKey(cfg.Worker.APIKey))
	}
	workerClient := worker.NewHTTPClient(cfg.Worker.SegmentPath, cfg.Worker.CallTimeout, clientOpts...)

	monitor := dispatch.NewMonitor(pgStore, cfg.Dispatch.HeartbeatTimeout, nil, slog.Default())
	dispatcher := dispatch.New(pgStore, workerClient, dispatch.Config{
		Interval:    cfg.Dispatch.Interval,
		BatchSize:   cfg.Dispatch.BatchSize,
		Lease:       cfg.Dispatch.Lease,
		CallbackURL: cfg.CallbackURL(),
		CallTimeout: cfg.Worker.CallTimeout,
	},
		dispatch.WithMonitor(monitor),
		dispatch.WithLocker(redisCache),
		dispatch.WithStatusCache(redisCache),
		dispatch.WithLogger(slog.Default()),
	)
	callbacks := dispatch.NewCallbackService(pgStore, redisCache, cfg.Dispatch.Lease, nil, slog.Default())
	submitter := dispatch.NewSubmitter(pgStore, accounts, redisCache, slog.Default())

	tasks := handler.NewTaskHandler(submitter, pgStore, redisCache)
	ledgerH := handler.NewLedgerHandler(accounts)
	keys := handler.NewKeyHandler(pgStore, 0)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateTask:    tasks.Create,
		ListTasks:     tasks.List,
		GetTask:       tasks.Get,
		GetTaskStatus: tasks.Status,
		CancelTask:    tasks.Cancel,
		ListModels:    handler.NewListModelsHandler(pgStore),
		MyAccount:     ledgerH.MyAccount,

		TaskCallback:    handler.NewCallbackHandler(callbacks),
		WorkerHeartbeat: handler.NewHeartbeatHandler(monitor),

		ListWorkers:      handler.NewListWorkersHandler(pgStore),
		UpsertModel:      handler.NewUpsertModelHandler(pgStore),
		OpenAccount:      ledgerH.OpenAccount,
		GetAccount:       ledgerH.GetAccount,
		ListTransactions: ledgerH.Transactions,
		AuditAccount:     ledgerH.Audit,
		Recharge:         ledgerH.Recharge,
		Consume:          ledgerH.Consume,
		Refund:           ledgerH.Refund,
		Transfer:         ledgerH.Transfer,
		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
