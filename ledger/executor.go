/*
executor.go - The transfer critical section

PURPOSE:
  Executes a transfer request as one atomic unit: lock both accounts in a
  fixed order, re-check the sender balance, check the daily limit, debit,
  credit, append the transfer and bind its idempotency key.

CRITICAL INVARIANTS:
  1. NO NEGATIVE BALANCE: the balance check runs under the sender lock
  2. DAILY LIMIT: the day total is read under the same lock, so two transfers
     from one sender are strictly serialized
  3. AT MOST ONCE: a storage uniqueness constraint arbitrates idempotency keys
  4. ALL OR NOTHING: any abort rolls back every write of the unit

FLOW:
  1. Validate (no locks): accounts exist, sender != receiver, amount > 0
  2. Idempotency pre-check (read-only, may race) -> replay
  3. Balance pre-check (read-only, may race) -> fail fast
  4. WithTx:
       LockAccounts (ascending id, bounded by LockTimeout)
       balance re-check -> InsufficientFundsError
       daily total      -> DailyLimitExceededError
       debit, credit, append, insert key
  5. Key conflict -> re-fetch the winner and return it as a replay

CANCELLATION:
  A context cancelled before the locks are held leaves no trace. After that
  the unit runs on context.WithoutCancel and commits or rolls back as a whole.

SEE ALSO:
  - store.go: Tx contract
  - spend.go: Daily window computation
  - idempotency.go: Key arbitration
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLockTimeout bounds lock acquisition when none is configured.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// EXECUTOR
// =============================================================================

type Executor struct {
	Store       Store
	Idempotency *IdempotencyIndex
	Spend       *DailySpendTracker
	Clock       Clock
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// NewExecutor wires an executor with default lock timeout and logger.
func NewExecutor(store Store, spend *DailySpendTracker, clock Clock) *Executor {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Executor{
		Store:       store,
		Idempotency: NewIdempotencyIndex(store),
		Spend:       spend,
		Clock:       clock,
		LockTimeout: DefaultLockTimeout,
		Logger:      slog.Default(),
	}
}

// Execute moves req.Amount from req.SenderID to req.ReceiverID.
func (e *Executor) Execute(ctx context.Context, req TransferRequest) (ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecuteResult{}, err
	}

	sender, err := e.validate(ctx, req)
	if err != nil {
		e.log().Debug("transfer rejected", "sender", req.SenderID, "receiver", req.ReceiverID, "error", err)
		return ExecuteResult{}, err
	}

	if existing, ok, err := e.Idempotency.Lookup(ctx, req.IdempotencyKey); err != nil {
		return ExecuteResult{}, err
	} else if ok {
		return e.replay(req, existing), nil
	}

	// Racy pre-check; the authoritative one runs under lock.
	if sender.Balance.LessThan(req.Amount) {
		return ExecuteResult{}, &InsufficientFundsError{AccountID: sender.ID, Balance: sender.Balance, Requested: req.Amount}
	}

	committed, err := e.commit(ctx, req)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, ok, lookupErr := e.Idempotency.Lookup(context.WithoutCancel(ctx), req.IdempotencyKey)
		if lookupErr != nil {
			return ExecuteResult{}, lookupErr
		}
		if !ok {
			// The winning attempt has not committed yet.
			return ExecuteResult{}, fmt.Errorf("%w: idempotency key %q is in flight", ErrConflict, req.IdempotencyKey)
		}
		return e.replay(req, existing), nil
	}
	if err != nil {
		if IsClientError(err) || IsRetryable(err) {
			e.log().Debug("transfer rejected", "sender", req.SenderID, "receiver", req.ReceiverID, "error", err)
		} else if errors.Is(err, ErrStorageFailure) {
			e.log().Error("transfer failed", "sender", req.SenderID, "receiver", req.ReceiverID, "error", err)
		}
		return ExecuteResult{}, err
	}

	e.log().Info("transfer committed",
		"transfer_id", committed.ID,
		"sender", committed.SenderID,
		"receiver", committed.ReceiverID,
		"amount", committed.Amount.StringFixed(AmountScale),
	)
	return ExecuteResult{Transfer: committed}, nil
}

// validate runs every check that needs no lock and returns the sender snapshot.
func (e *Executor) validate(ctx context.Context, req TransferRequest) (Account, error) {
	if req.SenderID == "" || req.ReceiverID == "" {
		return Account{}, fmt.Errorf("%w: sender and receiver are required", ErrInvalidTransfer)
	}
	sender, err := e.Store.GetAccount(ctx, req.SenderID)
	if err != nil {
		return Account{}, Fail("load sender", err)
	}
	if _, err := e.Store.GetAccount(ctx, req.ReceiverID); err != nil {
		return Account{}, Fail("load receiver", err)
	}
	if req.SenderID == req.ReceiverID {
		return Account{}, fmt.Errorf("%w: cannot transfer to the same account", ErrInvalidTransfer)
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return Account{}, err
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return Account{}, fmt.Errorf("%w: idempotency key longer than %d characters", ErrInvalidTransfer, MaxIdempotencyKeyLength)
	}
	return sender, nil
}

// commit runs the locked unit of work.
func (e *Executor) commit(ctx context.Context, req TransferRequest) (Transfer, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout())
	defer cancel()

	var committed Transfer
	err := e.Store.WithTx(lockCtx, func(tx Tx) error {
		if _, err := tx.LockAccounts(lockCtx, req.SenderID, req.ReceiverID); err != nil {
			return err
		}
		// Locks held: no cancellable window from here on.
		ctx := context.WithoutCancel(ctx)

		balance, err := tx.Balance(ctx, req.SenderID)
		if err != nil {
			return Fail("read balance", err)
		}
		if balance.LessThan(req.Amount) {
			return &InsufficientFundsError{AccountID: req.SenderID, Balance: balance, Requested: req.Amount}
		}

		now := e.Clock.Now()
		if err := e.Spend.Check(ctx, tx, req.SenderID, req.Amount, now); err != nil {
			return err
		}

		if err := tx.AdjustBalance(ctx, req.SenderID, req.Amount.Neg()); err != nil {
			return Fail("debit", err)
		}
		if err := tx.AdjustBalance(ctx, req.ReceiverID, req.Amount); err != nil {
			return Fail("credit", err)
		}
		t, err := tx.AppendTransfer(ctx, Transfer{
			SenderID:       req.SenderID,
			ReceiverID:     req.ReceiverID,
			Amount:         req.Amount,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return Fail("append transfer", err)
		}
		if err := e.Idempotency.InsertIfAbsent(ctx, tx, req.IdempotencyKey, t.ID); err != nil {
			return err
		}
		committed = t
		return nil
	})
	if err != nil {
		return Transfer{}, lockError(ctx, err)
	}
	return committed, nil
}

func (e *Executor) replay(req TransferRequest, existing Transfer) ExecuteResult {
	if existing.SenderID != req.SenderID || existing.ReceiverID != req.ReceiverID || !existing.Amount.Equal(req.Amount) {
		e.log().Warn("idempotency key reused with a different payload",
			"key", req.IdempotencyKey, "transfer_id", existing.ID)
	}
	e.log().Info("transfer replayed", "transfer_id", existing.ID, "key", req.IdempotencyKey)
	return ExecuteResult{Transfer: existing, Replayed: true}
}

func (e *Executor) lockTimeout() time.Duration {
	if e.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return e.LockTimeout
}

func (e *Executor) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// lockError turns a context error surfaced while waiting for locks into the
// ledger taxonomy: our own deadline is a retryable timeout, the caller's
// cancellation is passed through untouched.
func lockError(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if perr := parent.Err(); perr != nil {
			return perr
		}
	}
	return err
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateAmount enforces amount > 0, at most two decimals and the column range.
func ValidateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	case !HasValidScale(amount):
		return fmt.Errorf("%w: amount supports at most %d decimals", ErrInvalidAmount, AmountScale)
	case amount.GreaterThan(MaxAmount):
		return fmt.Errorf("%w: amount exceeds %s", ErrInvalidAmount, MaxAmount.StringFixed(AmountScale))
	}
	return nil
}
