/*
errors.go - Centralized error types for the transfer core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver errors into these; the HTTP layer maps them to
  status codes.

ERROR CATEGORIES:
  1. Validation errors - detected before any lock is taken
  2. Business rejections - detected inside the locked unit, full rollback
  3. Transient errors - lock timeout, conflict; safe to retry
  4. Storage failures - fatal, not retried automatically

USAGE:
  _, err := executor.Execute(ctx, req)
  var limitErr *ledger.DailyLimitExceededError
  if errors.As(err, &limitErr) {
      fmt.Println(limitErr.Limit, limitErr.UsedToday)
  }

SEE ALSO:
  - executor.go: Produces these errors
  - api/handlers.go: Maps them to HTTP responses
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when provisioning an id that is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrTransferNotFound is returned when a transfer id is unknown.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrInvalidTransfer is returned for self-transfers and malformed requests.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is returned when the sender balance is below the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDailyLimitExceeded is returned when the transfer would push the
	// sender's total for the day above the daily limit.
	ErrDailyLimitExceeded = errors.New("daily transfer limit exceeded")

	// ErrDuplicateIdempotencyKey is returned by stores when the key is already
	// indexed. The executor resolves it into a replay; callers never see it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLockTimeout is returned when account locks could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrConflict is returned when a concurrent attempt prevented completion.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrStorageFailure wraps unexpected persistence errors.
	ErrStorageFailure = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AccountNotFoundError names the missing account.
type AccountNotFoundError struct {
	AccountID AccountID
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account not found: %s", e.AccountID)
}

func (e *AccountNotFoundError) Unwrap() error {
	return ErrAccountNotFound
}

// InsufficientFundsError reports the sender balance observed under lock.
type InsufficientFundsError struct {
	AccountID AccountID
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, requested %s",
		e.Balance.StringFixed(AmountScale), e.Requested.StringFixed(AmountScale))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// DailyLimitExceededError reports the limit and what the sender already used
// in the current day window.
type DailyLimitExceededError struct {
	AccountID AccountID
	Limit     decimal.Decimal
	UsedToday decimal.Decimal
	Requested decimal.Decimal
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("daily transfer limit exceeded: limit %s, used today %s, requested %s",
		e.Limit.StringFixed(AmountScale), e.UsedToday.StringFixed(AmountScale), e.Requested.StringFixed(AmountScale))
}

func (e *DailyLimitExceededError) Unwrap() error {
	return ErrDailyLimitExceeded
}

// StorageError wraps a driver error. It matches both ErrStorageFailure and
// the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// InvariantViolation is the panic value raised when a store is asked to do
// something the executor must never ask for, such as a negative balance.
type InvariantViolation struct {
	AccountID AccountID
	Message   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("ledger invariant violated on %s: %s", e.AccountID, e.Message)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDailyLimitExceeded) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransferNotFound)
}

// Fail wraps err as a StorageError unless it already belongs to the taxonomy.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrAccountNotFound, ErrAccountExists, ErrTransferNotFound, ErrInvalidTransfer,
		ErrInvalidAmount, ErrInsufficientFunds, ErrDailyLimitExceeded,
		ErrDuplicateIdempotencyKey, ErrLockTimeout, ErrConflict, ErrStorageFailure,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &StorageError{Op: op, Err: err}
}
