package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/mattehub/internal/api/middleware"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	// User scope
	CreateTask    http.HandlerFunc
	ListTasks     http.HandlerFunc
	GetTask       http.HandlerFunc
	GetTaskStatus http.HandlerFunc
	CancelTask    http.HandlerFunc
	ListModels    http.HandlerFunc
	MyAccount     http.HandlerFunc

	// Worker scope
	TaskCallback    http.HandlerFunc
	WorkerHeartbeat http.HandlerFunc

	// Admin scope
	ListWorkers      http.HandlerFunc
	UpsertModel      http.HandlerFunc
	OpenAccount      http.HandlerFunc
	GetAccount       http.HandlerFunc
	ListTransactions http.HandlerFunc
	AuditAccount     http.HandlerFunc
	Recharge         http.HandlerFunc
	Consume          http.HandlerFunc
	Refund           http.HandlerFunc
	Transfer         http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeUser))

			r.Post("/api/v1/tasks", orNotImplemented(deps.CreateTask))
			r.Get("/api/v1/tasks", orNotImplemented(deps.ListTasks))
			r.Get("/api/v1/tasks/{taskID}", orNotImplemented(deps.GetTask))
			r.Get("/api/v1/tasks/{taskID}/status", orNotImplemented(deps.GetTaskStatus))
			r.Post("/api/v1/tasks/{taskID}/cancel", orNotImplemented(deps.CancelTask))
			r.Get("/api/v1/models", orNotImplemented(deps.ListModels))
			r.Get("/api/v1/account", orNotImplemented(deps.MyAccount))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWorker))

			r.Post("/api/v1/tasks/callback", orNotImplemented(deps.TaskCallback))
			r.Post("/api/v1/workers/heartbeat", orNotImplemented(deps.WorkerHeartbeat))
			r.Post("/api/v1/workers/register", orNotImplemented(deps.WorkerHeartbeat))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Get("/api/v1/workers", orNotImplemented(deps.ListWorkers))
			r.Put("/api/v1/admin/models/{name}", orNotImplemented(deps.UpsertModel))

			r.Post("/api/v1/ledger/accounts", orNotImplemented(deps.OpenAccount))
			r.Get("/api/v1/ledger/accounts/{accountID}", orNotImplemented(deps.GetAccount))
			r.Get("/api/v1/ledger/accounts/{accountID}/transactions", orNotImplemented(deps.ListTransactions))
			r.Get("/api/v1/ledger/accounts/{accountID}/audit", orNotImplemented(deps.AuditAccount))
			r.Post("/api/v1/ledger/recharge", orNotImplemented(deps.Recharge))
			r.Post("/api/v1/ledger/consume", orNotImplemented(deps.Consume))
			r.Post("/api/v1/ledger/refund", orNotImplemented(deps.Refund))
			r.Post("/api/v1/ledger/transfer", orNotImplemented(deps.Transfer))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
