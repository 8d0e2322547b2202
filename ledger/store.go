/*
store.go - Persistence interfaces for accounts and transfers

PURPOSE:
  Defines the boundary between the transfer core and the storage engine.
  All mutations go through a Tx handle obtained from Store.WithTx, so the
  Account Store, the Idempotency Index and the Transfer Ledger participate
  in one commit/rollback boundary.

KEY INTERFACES:
  Store: Read-side queries plus WithTx (the atomic unit)
  Tx:    Locked reads and writes inside one unit of work

APPEND-ONLY CONTRACT:
  Transfers are appended, never updated or deleted. Balances change only via
  Tx.AdjustBalance, and only while the account is locked.

LOCKING CONTRACT:
  Tx.LockAccounts acquires exclusive locks in ascending AccountID order,
  regardless of the order ids are passed in. Locks are released when WithTx
  returns, on every exit path including a panic. ctx given to WithTx and to
  LockAccounts bounds the wait; once locks are held the store must not abort
  the unit because that ctx expires.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory with per-account locks
  - store/sqlite/sqlite.go: SQLite (database-level write lock)
  - store/postgres/postgres.go: Postgres (SELECT ... FOR UPDATE)

SEE ALSO:
  - executor.go: The only writer
  - ledgertest/suite.go: Conformance suite every store must pass
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Read side and transaction boundary
// =============================================================================

type Store interface {
	// CreateAccount provisions an account. Balance must equal InitialBalance.
	// Returns ErrAccountExists if the id is taken.
	CreateAccount(ctx context.Context, acct Account) error

	// GetAccount returns a committed snapshot or *AccountNotFoundError.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// ListAccounts returns all accounts ordered by id.
	ListAccounts(ctx context.Context) ([]Account, error)

	// GetTransfer returns a committed transfer or ErrTransferNotFound.
	GetTransfer(ctx context.Context, id TransferID) (Transfer, error)

	// ListTransfers returns committed transfers, newest first.
	ListTransfers(ctx context.Context, filter TransferFilter) (TransferPage, error)

	// EachTransfer streams committed transfers in ascending id order.
	EachTransfer(ctx context.Context, fn func(Transfer) error) error

	// TransferByIdempotencyKey looks up a committed transfer. Read-only and
	// possibly stale; Tx.InsertIdempotencyKey is the authoritative arbiter.
	TransferByIdempotencyKey(ctx context.Context, key string) (Transfer, bool, error)

	// WithTx executes fn within one atomic unit.
	// If fn returns an error (or panics) everything is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// =============================================================================
// TX - One atomic unit of work
// =============================================================================

type Tx interface {
	// LockAccounts takes exclusive locks on ids in ascending order and returns
	// the locked accounts in that order. Missing ids yield *AccountNotFoundError.
	LockAccounts(ctx context.Context, ids ...AccountID) ([]Account, error)

	// Balance reads the balance of a locked account, including this unit's writes.
	Balance(ctx context.Context, id AccountID) (decimal.Decimal, error)

	// AdjustBalance adds delta to a locked account. Driving a balance below
	// zero panics with *InvariantViolation.
	AdjustBalance(ctx context.Context, id AccountID, delta decimal.Decimal) error

	// SentSince sums committed amounts sent by sender with CreatedAt >= since.
	SentSince(ctx context.Context, sender AccountID, since time.Time) (decimal.Decimal, error)

	// AppendTransfer persists t and returns it with its assigned ID.
	AppendTransfer(ctx context.Context, t Transfer) (Transfer, error)

	// InsertIdempotencyKey binds key to id unless the key is already bound.
	// Returns false when another transfer owns the key.
	InsertIdempotencyKey(ctx context.Context, key string, id TransferID) (bool, error)
}

// LockOrder returns ids deduplicated and sorted ascending, the order every
// store must acquire locks in.
func LockOrder(ids []AccountID) []AccountID {
	seen := make(map[AccountID]bool, len(ids))
	ordered := make([]AccountID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	return ordered
}

// CheckedBalance applies delta to balance and panics if the result is negative.
// Stores call it from AdjustBalance.
func CheckedBalance(id AccountID, balance, delta decimal.Decimal) decimal.Decimal {
	next := balance.Add(delta)
	if next.IsNegative() {
		panic(&InvariantViolation{
			AccountID: id,
			Message:   "balance " + balance.StringFixed(AmountScale) + " adjusted by " + delta.StringFixed(AmountScale) + " would go negative",
		})
	}
	return next
}
