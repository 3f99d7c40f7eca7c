package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds the spendable balance of one owner.
type Account struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	OwnerID        uuid.UUID       `db:"owner_id"        json:"owner_id"`
	Balance        decimal.Decimal `db:"balance"         json:"balance"`
	TotalRecharged decimal.Decimal `db:"total_recharged" json:"total_recharged"`
	TotalConsumed  decimal.Decimal `db:"total_consumed"  json:"total_consumed"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updated_at"`
}

type TransactionType string

const (
	TxRecharge TransactionType = "recharge"
	TxConsume  TransactionType = "consume"
	TxRefund   TransactionType = "refund"
	TxTransfer TransactionType = "transfer"
)

// Direction says whether a transaction added to or removed from the balance.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// LedgerTransaction is an immutable balance-affecting event. Summing credits
// minus debits over an account reproduces its balance.
type LedgerTransaction struct {
	ID                    uuid.UUID       `db:"id"                      json:"id"`
	AccountID             uuid.UUID       `db:"account_id"              json:"account_id"`
	Type                  TransactionType `db:"type"                    json:"type"`
	Direction             Direction       `db:"direction"               json:"direction"`
	Amount                decimal.Decimal `db:"amount"                  json:"amount"`
	BalanceAfter          decimal.Decimal `db:"balance_after"           json:"balance_after"`
	TaskID                *uuid.UUID      `db:"task_id"                 json:"task_id,omitempty"`
	CounterpartyAccountID *uuid.UUID      `db:"counterparty_account_id" json:"counterparty_account_id,omitempty"`
	TransferID            *uuid.UUID      `db:"transfer_id"             json:"transfer_id,omitempty"`
	Description           string          `db:"description"             json:"description"`
	CreatedAt             time.Time       `db:"created_at"              json:"created_at"`
}
