/*
Package ledgertest is the behavioural suite every ledger.Store must pass.

USAGE:
  func TestMemoryStore(t *testing.T) {
      ledgertest.Run(t, func(t *testing.T) ledger.Store {
          return store.NewMemory()
      })
  }

Each subtest gets a fresh store from newStore and a ManualClock pinned to
2025-03-10 12:00 UTC, so day windows are deterministic.
*/
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
)

// Epoch is the instant every subtest's clock starts at.
var Epoch = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// Fixture bundles a ledger over a fresh store.
type Fixture struct {
	Store  ledger.Store
	Clock  *ledger.ManualClock
	Ledger *ledger.Ledger
}

// NewFixture builds a ledger with the given daily limit over store.
func NewFixture(t *testing.T, store ledger.Store, limit string) *Fixture {
	t.Helper()
	clock := ledger.NewManualClock(Epoch)
	spend := ledger.NewDailySpendTracker(Dec(limit), time.UTC)
	return &Fixture{
		Store:  store,
		Clock:  clock,
		Ledger: ledger.New(store, spend, clock, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

// Open provisions an account and fails the test on error.
func (f *Fixture) Open(t *testing.T, id, balance string) ledger.Account {
	t.Helper()
	acct, err := f.Ledger.OpenAccount(context.Background(), ledger.OpenAccountRequest{
		ID:             ledger.AccountID(id),
		Name:           id,
		InitialBalance: Dec(balance),
	})
	require.NoError(t, err)
	return acct
}

// Send executes a transfer without an idempotency key.
func (f *Fixture) Send(from, to, amount string) (ledger.ExecuteResult, error) {
	return f.SendKey(from, to, amount, "")
}

func (f *Fixture) SendKey(from, to, amount, key string) (ledger.ExecuteResult, error) {
	return f.Ledger.ExecuteTransfer(context.Background(), ledger.TransferRequest{
		SenderID:       ledger.AccountID(from),
		ReceiverID:     ledger.AccountID(to),
		Amount:         Dec(amount),
		IdempotencyKey: key,
	})
}

// RequireBalance asserts the committed balance of id.
func (f *Fixture) RequireBalance(t *testing.T, id, want string) {
	t.Helper()
	got, err := f.Ledger.GetAccountBalance(context.Background(), ledger.AccountID(id))
	require.NoError(t, err)
	assert.True(t, Dec(want).Equal(got), "balance of %s: want %s, got %s", id, want, got.StringFixed(2))
}

// Dec parses a decimal literal and panics on malformed input.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// SUITE
// =============================================================================

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store ledger.Store)
	}{
		{"DailyLimitBoundary", testDailyLimitBoundary},
		{"DailyLimitResetsAtMidnight", testDailyLimitResetsAtMidnight},
		{"InsufficientFunds", testInsufficientFunds},
		{"IdempotentReplay", testIdempotentReplay},
		{"ReplayAfterBalanceDrained", testReplayAfterBalanceDrained},
		{"Validation", testValidation},
		{"DuplicateAccount", testDuplicateAccount},
		{"ConcurrentDailyLimit", testConcurrentDailyLimit},
		{"ConcurrentOppositeDirections", testConcurrentOppositeDirections},
		{"ConcurrentSameKey", testConcurrentSameKey},
		{"LockTimeout", testLockTimeout},
		{"CancelledBeforeLock", testCancelledBeforeLock},
		{"NegativeAdjustPanics", testNegativeAdjustPanics},
		{"RejectedKeyRollsBack", testRejectedKeyRollsBack},
		{"ListTransfers", testListTransfers},
		{"EachTransferAscending", testEachTransferAscending},
		{"GetTransfer", testGetTransfer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			tc.fn(t, store)
		})
	}
}

// =============================================================================
// DAILY LIMIT
// =============================================================================

func testDailyLimitBoundary(t *testing.T, store ledger.Store) {
	// GIVEN: A rich sender and a limit of 5000
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "20000")
	f.Open(t, "B", "0")

	// WHEN: Two transfers of 2000 succeed
	_, err := f.Send("A", "B", "2000")
	require.NoError(t, err)
	_, err = f.Send("A", "B", "2000")
	require.NoError(t, err)

	// THEN: A third 2000 would reach 6000 and is rejected
	_, err = f.Send("A", "B", "2000")
	var limitErr *ledger.DailyLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.ErrorIs(t, err, ledger.ErrDailyLimitExceeded)
	assert.True(t, Dec("4000").Equal(limitErr.UsedToday))
	assert.True(t, Dec("5000").Equal(limitErr.Limit))

	// AND: Exactly reaching the limit is allowed
	_, err = f.Send("A", "B", "1000")
	require.NoError(t, err)

	// AND: One cent more is not
	_, err = f.Send("A", "B", "0.01")
	assert.ErrorIs(t, err, ledger.ErrDailyLimitExceeded)

	f.RequireBalance(t, "A", "15000")
	f.RequireBalance(t, "B", "5000")
}

func testDailyLimitResetsAtMidnight(t *testing.T, store ledger.Store) {
	// GIVEN: A sender that used the whole allowance today
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "20000")
	f.Open(t, "B", "0")
	_, err := f.Send("A", "B", "5000")
	require.NoError(t, err)

	// WHEN: The clock crosses midnight
	f.Clock.Set(time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC))

	// THEN: The allowance is fresh
	_, err = f.Send("A", "B", "5000")
	require.NoError(t, err)
	f.RequireBalance(t, "A", "10000")
}

// =============================================================================
// BALANCES
// =============================================================================

func testInsufficientFunds(t *testing.T, store ledger.Store) {
	// GIVEN: A sender with 100
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")

	// WHEN: Sending 150
	_, err := f.Send("A", "B", "150")

	// THEN: Rejected, nothing moved, nothing recorded
	var fundsErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, Dec("100").Equal(fundsErr.Balance))
	f.RequireBalance(t, "A", "100")
	f.RequireBalance(t, "B", "0")

	page, err := f.Ledger.ListTransfers(context.Background(), ledger.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func testNegativeAdjustPanics(t *testing.T, store ledger.Store) {
	// GIVEN: An account with 10
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "10")
	ctx := context.Background()

	// WHEN: A unit of work drives the balance below zero
	// THEN: It panics with an invariant violation
	require.Panics(t, func() {
		_ = store.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockAccounts(ctx, "A"); err != nil {
				return err
			}
			return tx.AdjustBalance(ctx, "A", Dec("-10.01"))
		})
	})

	// AND: The unit rolled back and released its locks
	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := store.WithTx(lockCtx, func(tx ledger.Tx) error {
		_, err := tx.LockAccounts(lockCtx, "A")
		return err
	})
	require.NoError(t, err)
	f.RequireBalance(t, "A", "10")
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func testIdempotentReplay(t *testing.T, store ledger.Store) {
	// GIVEN: A transfer committed under key k1
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "0")
	first, err := f.SendKey("A", "B", "50", "k1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: The same request is retried
	second, err := f.SendKey("A", "B", "50", "k1")

	// THEN: The original transfer is returned and nothing moves twice
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
	assert.Equal(t, "k1", second.Transfer.IdempotencyKey)
	f.RequireBalance(t, "A", "950")
	f.RequireBalance(t, "B", "50")

	page, err := f.Ledger.ListTransfers(context.Background(), ledger.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func testReplayAfterBalanceDrained(t *testing.T, store ledger.Store) {
	// GIVEN: A transfer that spent the sender's whole balance
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")
	first, err := f.SendKey("A", "B", "100", "drain")
	require.NoError(t, err)

	// WHEN: It is retried with the same key
	again, err := f.SendKey("A", "B", "100", "drain")

	// THEN: The retry replays instead of failing on funds
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transfer.ID, again.Transfer.ID)
	f.RequireBalance(t, "A", "0")
}

func testConcurrentSameKey(t *testing.T, store ledger.Store) {
	// GIVEN: Ten concurrent submissions of the same keyed request
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "0")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[ledger.TransferID]int{}
		retries int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.SendKey("A", "B", "25", "same-key")
			mu.Lock()
			defer mu.Unlock()
			if ledger.IsRetryable(err) {
				retries++
				return
			}
			if assert.NoError(t, err) {
				ids[res.Transfer.ID]++
			}
		}()
	}
	wg.Wait()

	// THEN: At most one transfer exists and every success points at it
	assert.Len(t, ids, 1)
	f.RequireBalance(t, "A", "975")
	f.RequireBalance(t, "B", "25")
	assert.LessOrEqual(t, retries, n-1)
}

// =============================================================================
// VALIDATION
// =============================================================================

func testValidation(t *testing.T, store ledger.Store) {
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")

	tests := []struct {
		name      string
		from, to  string
		amount    string
		key       string
		wantErr   error
		wantNotFd bool
	}{
		{name: "self transfer", from: "A", to: "A", amount: "10", wantErr: ledger.ErrInvalidTransfer},
		{name: "unknown sender", from: "X", to: "B", amount: "10", wantErr: ledger.ErrAccountNotFound, wantNotFd: true},
		{name: "unknown receiver", from: "A", to: "X", amount: "10", wantErr: ledger.ErrAccountNotFound, wantNotFd: true},
		{name: "zero amount", from: "A", to: "B", amount: "0", wantErr: ledger.ErrInvalidAmount},
		{name: "negative amount", from: "A", to: "B", amount: "-5", wantErr: ledger.ErrInvalidAmount},
		{name: "three decimals", from: "A", to: "B", amount: "0.001", wantErr: ledger.ErrInvalidAmount},
		{name: "above column range", from: "A", to: "B", amount: "10000000000000", wantErr: ledger.ErrInvalidAmount},
		{name: "key too long", from: "A", to: "B", amount: "1", key: fmt.Sprintf("%065d", 0), wantErr: ledger.ErrInvalidTransfer},
		{name: "missing sender", from: "", to: "B", amount: "1", wantErr: ledger.ErrInvalidTransfer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.SendKey(tc.from, tc.to, tc.amount, tc.key)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.wantNotFd, ledger.IsNotFound(err))
		})
	}

	// Nothing was written by any rejected request
	f.RequireBalance(t, "A", "100")
	f.RequireBalance(t, "B", "0")
}

func testDuplicateAccount(t *testing.T, store ledger.Store) {
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")

	_, err := f.Ledger.OpenAccount(context.Background(), ledger.OpenAccountRequest{ID: "A", InitialBalance: Dec("5")})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
	f.RequireBalance(t, "A", "100")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func testConcurrentDailyLimit(t *testing.T, store ledger.Store) {
	// GIVEN: 20 concurrent transfers of 1000 from one sender, limit 5000
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100000")
	f.Open(t, "B", "0")

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Send("A", "B", "1000")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrDailyLimitExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly five fit under the limit
	assert.Equal(t, 5, ok)
	assert.Equal(t, n-5, rejected)
	f.RequireBalance(t, "A", "95000")
	f.RequireBalance(t, "B", "5000")
}

func testConcurrentOppositeDirections(t *testing.T, store ledger.Store) {
	// GIVEN: Two accounts sending to each other at the same time
	f := NewFixture(t, store, "1000000")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "1000")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.Send("A", "B", "10")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.Send("B", "A", "10")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// THEN: No deadlock, every transfer committed, money is conserved
	for err := range errs {
		require.NoError(t, err)
	}
	f.RequireBalance(t, "A", "1000")
	f.RequireBalance(t, "B", "1000")

	report, err := ledger.Audit(context.Background(), store, f.Ledger.Spend, f.Clock.Now())
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %v", report.Findings)
	assert.Equal(t, 2*n, report.Transfers)
	assert.True(t, report.TotalInitial.Equal(report.TotalBalance))
}

func testLockTimeout(t *testing.T, store ledger.Store) {
	// GIVEN: A unit of work holding account A
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	ctx := context.Background()

	locked := make(chan struct{})
	releaseHolder := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockAccounts(ctx, "A"); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-releaseHolder
			return nil
		})
	}()
	<-locked

	// WHEN: Another unit waits for A with a short deadline
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := store.WithTx(waitCtx, func(tx ledger.Tx) error {
		_, err := tx.LockAccounts(waitCtx, "A")
		return err
	})

	// THEN: The wait ends with a retryable lock timeout
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.True(t, ledger.IsRetryable(err))

	close(releaseHolder)
	require.NoError(t, <-holderDone)
}

func testCancelledBeforeLock(t *testing.T, store ledger.Store) {
	// GIVEN: A context cancelled before the transfer starts
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: Executing
	_, err := f.Ledger.ExecuteTransfer(ctx, ledger.TransferRequest{SenderID: "A", ReceiverID: "B", Amount: Dec("10")})

	// THEN: Cancellation is reported and nothing is written
	assert.ErrorIs(t, err, context.Canceled)
	f.RequireBalance(t, "A", "100")
	f.RequireBalance(t, "B", "0")
}

func testRejectedKeyRollsBack(t *testing.T, store ledger.Store) {
	// GIVEN: Key "taken" already bound to a committed transfer
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")
	_, err := f.SendKey("A", "B", "10", "taken")
	require.NoError(t, err)
	ctx := context.Background()

	// WHEN: A unit debits, appends, then fails to bind the same key
	abort := errors.New("key taken")
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockAccounts(ctx, "A", "B"); err != nil {
			return err
		}
		require.NoError(t, tx.AdjustBalance(ctx, "A", Dec("-50")))
		require.NoError(t, tx.AdjustBalance(ctx, "B", Dec("50")))
		appended, err := tx.AppendTransfer(ctx, ledger.Transfer{
			SenderID: "A", ReceiverID: "B", Amount: Dec("50"), CreatedAt: f.Clock.Now(),
		})
		require.NoError(t, err)
		inserted, err := tx.InsertIdempotencyKey(ctx, "taken", appended.ID)
		require.NoError(t, err)
		if !inserted {
			return abort
		}
		return nil
	})

	// THEN: The whole unit is rolled back
	assert.ErrorIs(t, err, abort)
	f.RequireBalance(t, "A", "90")
	f.RequireBalance(t, "B", "10")
	page, err := f.Ledger.ListTransfers(ctx, ledger.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

// =============================================================================
// READ SIDE
// =============================================================================

func testListTransfers(t *testing.T, store ledger.Store) {
	// GIVEN: Five transfers one minute apart, the last one to C
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "0")
	f.Open(t, "C", "0")
	var ids []ledger.TransferID
	for i := 0; i < 5; i++ {
		to := "B"
		if i == 4 {
			to = "C"
		}
		res, err := f.Send("A", to, "1")
		require.NoError(t, err)
		ids = append(ids, res.Transfer.ID)
		f.Clock.Advance(time.Minute)
	}
	ctx := context.Background()

	// WHEN/THEN: Pages are newest first with the full total
	page, err := f.Ledger.ListTransfers(ctx, ledger.TransferFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Transfers, 2)
	assert.Equal(t, ids[4], page.Transfers[0].ID)
	assert.Equal(t, ids[3], page.Transfers[1].ID)

	page, err = f.Ledger.ListTransfers(ctx, ledger.TransferFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Transfers, 1)
	assert.Equal(t, ids[0], page.Transfers[0].ID)

	page, err = f.Ledger.ListTransfers(ctx, ledger.TransferFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Transfers)
	assert.Equal(t, 5, page.Total)

	// Account filter matches either side
	page, err = f.Ledger.ListTransfers(ctx, ledger.TransferFilter{AccountID: "C"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, ledger.AccountID("C"), page.Transfers[0].ReceiverID)

	// Time window is [Since, Until)
	page, err = f.Ledger.ListTransfers(ctx, ledger.TransferFilter{
		Since: Epoch.Add(time.Minute),
		Until: Epoch.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	_, err = f.Ledger.ListTransfers(ctx, ledger.TransferFilter{Limit: -1})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransfer)
}

func testEachTransferAscending(t *testing.T, store ledger.Store) {
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "0")
	for i := 0; i < 3; i++ {
		_, err := f.Send("A", "B", "5")
		require.NoError(t, err)
	}

	var seen []ledger.TransferID
	err := store.EachTransfer(context.Background(), func(tr ledger.Transfer) error {
		seen = append(seen, tr.ID)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Less(t, seen[0], seen[1])
	assert.Less(t, seen[1], seen[2])
}

func testGetTransfer(t *testing.T, store ledger.Store) {
	f := NewFixture(t, store, "5000")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "0")
	res, err := f.SendKey("A", "B", "12.34", "get-me")
	require.NoError(t, err)

	got, err := f.Ledger.GetTransfer(context.Background(), res.Transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("A"), got.SenderID)
	assert.Equal(t, ledger.AccountID("B"), got.ReceiverID)
	assert.True(t, Dec("12.34").Equal(got.Amount))
	assert.Equal(t, "get-me", got.IdempotencyKey)
	assert.True(t, Epoch.Equal(got.CreatedAt))

	_, err = f.Ledger.GetTransfer(context.Background(), res.Transfer.ID+1000)
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
	assert.True(t, ledger.IsNotFound(err))
}
