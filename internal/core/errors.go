package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the engine, the stores and their callers.
var (
	// ErrInsufficientFunds rejects a debit that would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	// ErrUnpaired means a source record exists without its ledger entry.
	ErrUnpaired = fmt.Errorf("ledger entry missing for source record: %w", ErrNotFound)
	// ErrStorageConflict is transient; the whole atomic operation may be retried.
	ErrStorageConflict = errors.New("storage conflict")
	ErrDuplicate       = errors.New("duplicate record")
	ErrValidation      = errors.New("validation failed")

	ErrSubscriptionInactive = errors.New("subscription is inactive")
	ErrNotDue               = errors.New("subscription is not due")
)

var (
	ErrInvalidAmount = NewValidationError("amount", "must be greater than zero")
	ErrInvalidDate   = NewValidationError("date", "cannot be zero")
	ErrEmptyTitle    = NewValidationError("title", "cannot be empty")
	ErrEmptyCategory = NewValidationError("category_id", "cannot be empty")

	// ErrAmountTooLarge rejects an amount above MaxAmount.
	ErrAmountTooLarge = NewValidationError("amount", "exceeds the maximum amount")
	// ErrBalanceOverflow rejects a change the balance cannot represent.
	ErrBalanceOverflow = NewValidationError("amount", "balance out of range")
)

// ValidationError describes caller-supplied data that fails a precondition.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsRetryable reports whether the operation may succeed if attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}
