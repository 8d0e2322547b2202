/*
ledger.go - The core's external interface

PURPOSE:
  Ledger is what collaborators talk to. It bundles the executor (the only
  writer) with read-only projections over committed state.

OPERATIONS:
  ExecuteTransfer    Move funds (see executor.go)
  ListTransfers      Committed transfers, filtered and paginated
  GetTransfer        One committed transfer
  GetAccountBalance  Committed balance of one account
  OpenAccount        Provision an account with its initial balance
  GetAccount / ListAccounts

READ ISOLATION:
  Reads never take account locks and never observe a unit of work that has
  not committed.

SEE ALSO:
  - executor.go: Write path
  - audit.go, export.go, stats.go: Reporting projections
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store    Store
	Executor *Executor
	Spend    *DailySpendTracker
	Clock    Clock
}

// New wires a ledger over store.
func New(store Store, spend *DailySpendTracker, clock Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	exec := NewExecutor(store, spend, clock)
	if logger != nil {
		exec.Logger = logger
	}
	return &Ledger{Store: store, Executor: exec, Spend: spend, Clock: clock}
}

// ExecuteTransfer moves funds between two accounts.
func (l *Ledger) ExecuteTransfer(ctx context.Context, req TransferRequest) (ExecuteResult, error) {
	return l.Executor.Execute(ctx, req)
}

// ListTransfers returns committed transfers, newest first.
func (l *Ledger) ListTransfers(ctx context.Context, filter TransferFilter) (TransferPage, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return TransferPage{}, fmt.Errorf("%w: negative pagination", ErrInvalidTransfer)
	}
	page, err := l.Store.ListTransfers(ctx, filter)
	if err != nil {
		return TransferPage{}, Fail("list transfers", err)
	}
	return page, nil
}

// GetTransfer returns one committed transfer.
func (l *Ledger) GetTransfer(ctx context.Context, id TransferID) (Transfer, error) {
	t, err := l.Store.GetTransfer(ctx, id)
	if err != nil {
		return Transfer{}, Fail("get transfer", err)
	}
	return t, nil
}

// GetAccountBalance returns the committed balance of an account.
func (l *Ledger) GetAccountBalance(ctx context.Context, id AccountID) (decimal.Decimal, error) {
	acct, err := l.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

func (l *Ledger) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	acct, err := l.Store.GetAccount(ctx, id)
	if err != nil {
		return Account{}, Fail("get account", err)
	}
	return acct, nil
}

func (l *Ledger) ListAccounts(ctx context.Context) ([]Account, error) {
	accts, err := l.Store.ListAccounts(ctx)
	if err != nil {
		return nil, Fail("list accounts", err)
	}
	return accts, nil
}

// =============================================================================
// PROVISIONING
// =============================================================================

// OpenAccountRequest provisions an account. ID is generated when empty.
type OpenAccountRequest struct {
	ID             AccountID
	Name           string
	InitialBalance decimal.Decimal
}

// OpenAccount creates an account whose balance starts at InitialBalance.
// This is the only write to a balance outside the executor, and it happens
// before any transfer can reference the account.
func (l *Ledger) OpenAccount(ctx context.Context, req OpenAccountRequest) (Account, error) {
	if req.InitialBalance.IsNegative() || !HasValidScale(req.InitialBalance) || req.InitialBalance.GreaterThan(MaxAmount) {
		return Account{}, fmt.Errorf("%w: initial balance must be between 0 and %s with at most %d decimals",
			ErrInvalidAmount, MaxAmount.StringFixed(AmountScale), AmountScale)
	}
	id := AccountID(strings.TrimSpace(string(req.ID)))
	if id == "" {
		id = AccountID(uuid.NewString())
	}
	acct := Account{
		ID:             id,
		Name:           req.Name,
		InitialBalance: req.InitialBalance,
		Balance:        req.InitialBalance,
		CreatedAt:      l.Clock.Now().UTC(),
	}
	if err := l.Store.CreateAccount(ctx, acct); err != nil {
		return Account{}, Fail("create account", err)
	}
	return acct, nil
}
