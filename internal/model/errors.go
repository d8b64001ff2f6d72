package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation is returned for malformed or out-of-range input.
	// Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when a reservation or settlement
	// would overdraw a wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStateConflict is returned when an operation is not valid for the
	// current status of an order, position or wallet.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound is returned for unknown orders, positions and wallets.
	ErrNotFound = errors.New("not found")

	// ErrPriceUnavailable is returned when the price source has no price
	// for an instrument. Callers skip the instrument until the next tick.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrExecutionFailure is returned when settlement failed midway and the
	// order was rejected.
	ErrExecutionFailure = errors.New("execution failure")
)

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InsufficientFundsError reports the amount an operation needed against the
// amount the wallet could offer.
type InsufficientFundsError struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for user %s: required %s, available %s",
		e.UserID, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// StateConflictError reports the status that blocked an operation.
type StateConflictError struct {
	Entity string // "order", "position", "wallet"
	ID     string
	Status string
	Op     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: status is %s", e.Op, e.Entity, e.ID, e.Status)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }
