package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation is returned for malformed input. No state is changed.
	ErrValidation = errors.New("ledger: invalid request")
	// ErrInsufficientBalance is returned when a debit would take the balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
	// ErrAlreadyCharged is returned when a task has already been consumed against.
	ErrAlreadyCharged = errors.New("ledger: task already charged")
)

// BalanceError carries the figures behind an ErrInsufficientBalance.
type BalanceError struct {
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: have %s, need %s", e.Balance.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *BalanceError) Unwrap() error { return ErrInsufficientBalance }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
