package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/internal/ledger"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
)

// Ledger is the account surface exposed over HTTP. ledger.Ledger implements it.
type Ledger interface {
	OpenAccount(ctx context.Context, ownerID uuid.UUID) (*models.Account, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	GetAccountByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Account, error)
	Recharge(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (*ledger.Result, error)
	Consume(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, taskID *uuid.UUID, description string) (*ledger.Result, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, taskID *uuid.UUID, description string) (*ledger.Result, error)
	Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, description string) (*ledger.TransferResult, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.LedgerTransaction, error)
	Audit(ctx context.Context, accountID uuid.UUID) (*ledger.AuditReport, error)
}

type LedgerHandler struct {
	ledger Ledger
}

func NewLedgerHandler(l Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

// movement is the body of recharge, consume and refund requests.
type movement struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	TaskID      *uuid.UUID      `json:"task_id"`
	Description string          `json:"description"`
}

type resultBody struct {
	Account     *models.Account           `json:"account"`
	Transaction *models.LedgerTransaction `json:"transaction"`
}

// OpenAccount handles POST /api/v1/ledger/accounts.
func (h *LedgerHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID uuid.UUID `json:"owner_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID == uuid.Nil {
		badRequest(w, "owner_id is required")
		return
	}
	acct, err := h.ledger.OpenAccount(r.Context(), req.OwnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, acct)
}

// GetAccount handles GET /api/v1/ledger/accounts/{accountID}.
func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	acct, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, acct)
}

// MyAccount handles GET /api/v1/account, the caller's own balance.
func (h *LedgerHandler) MyAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFor(w, r)
	if !ok {
		return
	}
	acct, err := h.ledger.GetAccountByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, acct)
}

// Transactions handles GET /api/v1/ledger/accounts/{accountID}/transactions.
func (h *LedgerHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	page, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	txns, err := h.ledger.ListTransactions(r.Context(), id, limit, (page-1)*limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []*models.LedgerTransaction{}
	}
	response.JSON(w, txns)
}

// Audit handles GET /api/v1/ledger/accounts/{accountID}/audit.
func (h *LedgerHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	report, err := h.ledger.Audit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, report)
}

// Recharge handles POST /api/v1/ledger/recharge.
func (h *LedgerHandler) Recharge(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, func(ctx context.Context, m movement) (*ledger.Result, error) {
		return h.ledger.Recharge(ctx, m.AccountID, m.Amount, m.Description)
	})
}

// Consume handles POST /api/v1/ledger/consume.
func (h *LedgerHandler) Consume(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, func(ctx context.Context, m movement) (*ledger.Result, error) {
		return h.ledger.Consume(ctx, m.AccountID, m.Amount, m.TaskID, m.Description)
	})
}

// Refund handles POST /api/v1/ledger/refund.
func (h *LedgerHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, func(ctx context.Context, m movement) (*ledger.Result, error) {
		return h.ledger.Refund(ctx, m.AccountID, m.Amount, m.TaskID, m.Description)
	})
}

func (h *LedgerHandler) move(w http.ResponseWriter, r *http.Request, op func(context.Context, movement) (*ledger.Result, error)) {
	var req movement
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := op(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, resultBody{Account: res.Account, Transaction: res.Transaction})
}

// Transfer handles POST /api/v1/ledger/transfer.
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAccountID uuid.UUID       `json:"from_account_id"`
		ToAccountID   uuid.UUID       `json:"to_account_id"`
		Amount        decimal.Decimal `json:"amount"`
		Description   string          `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, map[string]any{
		"from":   res.From,
		"to":     res.To,
		"debit":  res.Debit,
		"credit": res.Credit,
	})
}
