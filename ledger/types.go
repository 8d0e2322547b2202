/*
Package ledger provides the money-transfer core.

PURPOSE:
  Moves funds between two accounts while guaranteeing, under arbitrary
  concurrency, that balances never go negative, that a sender never moves
  more than the daily limit in one calendar day, and that an idempotency
  key never produces more than one persisted transfer.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: an opaque id with a non-negative balance
  - Transfer: an immutable ledger entry recording a committed movement
  - TransferRequest / ExecuteResult: the executor's input and output
  - Money helpers: decimal amounts with a 0.01 minimum unit

DESIGN PRINCIPLES:
  1. Immutability: Transfers are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: AccountID and TransferID cannot be mixed up
  4. Explicit atomicity: every mutation happens through a Tx handle

USAGE:
  res, err := l.ExecuteTransfer(ctx, ledger.TransferRequest{
      SenderID:       "acc-1",
      ReceiverID:     "acc-2",
      Amount:         decimal.RequireFromString("25.00"),
      IdempotencyKey: "order-42",
  })

SEE ALSO:
  - executor.go: The transfer critical section
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

const (
	// AmountScale is the number of fractional digits a money amount may carry.
	AmountScale = 2

	// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
	MaxIdempotencyKeyLength = 64
)

// MaxAmount is the largest representable amount (decimal(15,2)).
var MaxAmount = decimal.RequireFromString("9999999999999.99")

// MinAmount is the smallest positive amount that can be transferred.
var MinAmount = decimal.New(1, -AmountScale)

// HasValidScale reports whether d carries at most AmountScale fractional digits.
func HasValidScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is an opaque account identifier. Lock ordering compares ids bytewise.
type AccountID string

// TransferID is the monotonic identifier assigned to a committed transfer.
type TransferID int64

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds a non-negative balance.
// InitialBalance is the provisioned amount and never changes; Balance is
// mutated only inside the executor's locked unit.
type Account struct {
	ID             AccountID
	Name           string
	InitialBalance decimal.Decimal
	Balance        decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// TRANSFER - Immutable ledger entry
// =============================================================================

type Transfer struct {
	ID             TransferID
	SenderID       AccountID
	ReceiverID     AccountID
	Amount         decimal.Decimal
	IdempotencyKey string // empty means no key was supplied
	CreatedAt      time.Time
}

// =============================================================================
// EXECUTION
// =============================================================================

// TransferRequest is the input of Executor.Execute.
type TransferRequest struct {
	SenderID       AccountID
	ReceiverID     AccountID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// ExecuteResult is the outcome of a successful Execute call.
// Replayed is true when the idempotency key already mapped to a committed
// transfer; in that case Transfer is the original record and nothing changed.
type ExecuteResult struct {
	Transfer Transfer
	Replayed bool
}

// =============================================================================
// QUERIES
// =============================================================================

// TransferFilter selects committed transfers. Zero values mean "any".
type TransferFilter struct {
	AccountID  AccountID // sender OR receiver
	SenderID   AccountID
	ReceiverID AccountID
	Since      time.Time // inclusive
	Until      time.Time // exclusive
	Limit      int
	Offset     int
}

// TransferPage is one page of transfers, newest first, with the total number
// of rows matching the filter.
type TransferPage struct {
	Transfers []Transfer
	Total     int
}

// Matches reports whether t satisfies the filter (ignores Limit/Offset).
func (f TransferFilter) Matches(t Transfer) bool {
	if f.AccountID != "" && t.SenderID != f.AccountID && t.ReceiverID != f.AccountID {
		return false
	}
	if f.SenderID != "" && t.SenderID != f.SenderID {
		return false
	}
	if f.ReceiverID != "" && t.ReceiverID != f.ReceiverID {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}
