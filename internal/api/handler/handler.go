// Package handler implements the HTTP endpoints. Each constructor takes the
// narrow interface it depends on and returns an http.HandlerFunc.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mattehub/internal/api/middleware"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/internal/dispatch"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/internal/store"
	"github.com/kiranshivaraju/mattehub/pkg/models"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 20
	maxLimit     = 100
)

// writeError maps a domain error onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var balanceErr *ledger.BalanceError
	switch {
	case errors.As(err, &balanceErr):
		response.Error(w, http.StatusPaymentRequired, response.CodeInsufficientBalance, "Insufficient balance",
			map[string]string{
				"balance":   balanceErr.Balance.StringFixed(2),
				"requested": balanceErr.Requested.StringFixed(2),
			})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		response.Error(w, http.StatusPaymentRequired, response.CodeInsufficientBalance, "Insufficient balance", nil)
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, dispatch.ErrInvalidTask),
		errors.Is(err, dispatch.ErrUnknownModel),
		errors.Is(err, dispatch.ErrInvalidCallback),
		errors.Is(err, dispatch.ErrInvalidAddress):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrAlreadyCharged):
		response.Error(w, http.StatusConflict, response.CodeConflict, err.Error(), nil)
	default:
		slog.Error("request failed",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
	}
}

func badRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, message, nil)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			badRequest(w, "Request body is required")
		} else {
			badRequest(w, "Invalid JSON body")
		}
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, fmt.Sprintf("%s must be a valid UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

// ownerFor resolves which owner a request acts on. Admins may name another
// owner with ?owner_id=; everyone else acts on their own key's owner.
func ownerFor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	owner, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing owner", nil)
		return uuid.Nil, false
	}
	if raw := r.URL.Query().Get("owner_id"); raw != "" && mw.HasScope(r, models.ScopeAdmin) {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(w, "owner_id must be a valid UUID")
			return uuid.Nil, false
		}
		return id, true
	}
	return owner, true
}

// pagination reads page and limit, clamping limit to [1, maxLimit].
func pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, defaultLimit
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(w, "page must be a positive integer")
			return 0, 0, false
		}
		page = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	return page, limit, true
}
