package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
	"github.com/warp/transfer-ledger/ledger/ledgertest"
	"github.com/warp/transfer-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestFixture(t *testing.T) *ledgertest.Fixture {
	t.Helper()
	f := ledgertest.NewFixture(t, store.NewMemory(), "5000")
	f.Open(t, "A", "20000")
	f.Open(t, "B", "0")
	return f
}

// holdLock keeps ids locked until the returned func is called.
func holdLock(t *testing.T, s ledger.Store, ids ...ledger.AccountID) func() {
	t.Helper()
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithTx(context.Background(), func(tx ledger.Tx) error {
			_, err := tx.LockAccounts(context.Background(), ids...)
			close(locked)
			if err != nil {
				return err
			}
			<-release
			return nil
		})
	}()
	<-locked
	return func() {
		close(release)
		<-done
	}
}

// =============================================================================
// EXECUTOR TESTS
// =============================================================================

func TestExecute_CommitsTransfer(t *testing.T) {
	// GIVEN: A=20000, B=0
	f := newTestFixture(t)

	// WHEN: Moving 123.45
	res, err := f.Send("A", "B", "123.45")

	// THEN: Both sides move and the transfer carries the clock time
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.NotZero(t, res.Transfer.ID)
	assert.True(t, ledgertest.Epoch.Equal(res.Transfer.CreatedAt))
	f.RequireBalance(t, "A", "19876.55")
	f.RequireBalance(t, "B", "123.45")
}

func TestExecute_LockTimeout(t *testing.T) {
	// GIVEN: Another unit holds the receiver
	f := newTestFixture(t)
	f.Ledger.Executor.LockTimeout = 50 * time.Millisecond
	release := holdLock(t, f.Store, "B")
	defer release()

	// WHEN: A transfer needs B
	start := time.Now()
	_, err := f.Send("A", "B", "10")

	// THEN: It gives up with a retryable timeout and writes nothing
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.True(t, ledger.IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	f.RequireBalance(t, "A", "20000")
}

func TestExecute_CancelWhileWaitingForLock(t *testing.T) {
	// GIVEN: The sender is held by another unit
	f := newTestFixture(t)
	release := holdLock(t, f.Store, "A")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// WHEN: The caller gives up while waiting
	_, err := f.Ledger.ExecuteTransfer(ctx, ledger.TransferRequest{
		SenderID: "A", ReceiverID: "B", Amount: ledgertest.Dec("10"),
	})

	// THEN: Cancellation is surfaced, not a lock timeout
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ledger.ErrLockTimeout))
	f.RequireBalance(t, "A", "20000")
}

func TestExecute_CallerDeadlineIsNotLockTimeout(t *testing.T) {
	f := newTestFixture(t)
	release := holdLock(t, f.Store, "A")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Ledger.ExecuteTransfer(ctx, ledger.TransferRequest{
		SenderID: "A", ReceiverID: "B", Amount: ledgertest.Dec("10"),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_ReplayWithDifferentPayload(t *testing.T) {
	// GIVEN: Key k1 bound to a transfer of 50
	f := newTestFixture(t)
	first, err := f.SendKey("A", "B", "50", "k1")
	require.NoError(t, err)

	// WHEN: The key is reused for 70
	again, err := f.SendKey("A", "B", "70", "k1")

	// THEN: The original transfer is returned unchanged
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transfer.ID, again.Transfer.ID)
	assert.True(t, ledgertest.Dec("50").Equal(again.Transfer.Amount))
	f.RequireBalance(t, "B", "50")
}

func TestExecute_KeyLostToConcurrentCommit(t *testing.T) {
	// GIVEN: A store whose pre-check misses the key but whose insert sees it
	f := newTestFixture(t)
	winner, err := f.SendKey("A", "B", "10", "race")
	require.NoError(t, err)
	f.Ledger.Executor.Idempotency = ledger.NewIdempotencyIndex(staleLookupStore{Store: f.Store, stale: "race", calls: new(int)})

	// WHEN: Another attempt with the same key reaches the insert
	res, err := f.SendKey("A", "B", "10", "race")

	// THEN: The unit rolls back and the winner is replayed
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, winner.Transfer.ID, res.Transfer.ID)
	f.RequireBalance(t, "B", "10")
}

// staleLookupStore hides key stale from the first lookup only.
type staleLookupStore struct {
	ledger.Store
	stale string
	calls *int
}

func (s staleLookupStore) TransferByIdempotencyKey(ctx context.Context, key string) (ledger.Transfer, bool, error) {
	*s.calls++
	if key == s.stale && *s.calls == 1 {
		return ledger.Transfer{}, false, nil
	}
	return s.Store.TransferByIdempotencyKey(ctx, key)
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount string
		ok     bool
	}{
		{"0.01", true},
		{"1", true},
		{"9999999999999.99", true},
		{"0", false},
		{"-0.01", false},
		{"1.005", false},
		{"10000000000000.00", false},
	}
	for _, tc := range tests {
		t.Run(tc.amount, func(t *testing.T) {
			err := ledger.ValidateAmount(ledgertest.Dec(tc.amount))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
			}
		})
	}
}

func TestOpenAccount(t *testing.T) {
	f := ledgertest.NewFixture(t, store.NewMemory(), "5000")
	ctx := context.Background()

	// Generated id
	acct, err := f.Ledger.OpenAccount(ctx, ledger.OpenAccountRequest{Name: "Alice", InitialBalance: ledgertest.Dec("10.50")})
	require.NoError(t, err)
	assert.Len(t, string(acct.ID), 36)
	assert.True(t, acct.Balance.Equal(acct.InitialBalance))

	// Negative initial balance
	_, err = f.Ledger.OpenAccount(ctx, ledger.OpenAccountRequest{ID: "neg", InitialBalance: ledgertest.Dec("-1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// Sub-cent initial balance
	_, err = f.Ledger.OpenAccount(ctx, ledger.OpenAccountRequest{ID: "frac", InitialBalance: ledgertest.Dec("0.001")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestCheckedBalancePanics(t *testing.T) {
	assert.NotPanics(t, func() {
		got := ledger.CheckedBalance("A", ledgertest.Dec("10"), ledgertest.Dec("-10"))
		assert.True(t, got.IsZero())
	})

	defer func() {
		r := recover()
		var violation *ledger.InvariantViolation
		require.True(t, errors.As(r.(error), &violation))
		assert.Equal(t, ledger.AccountID("A"), violation.AccountID)
	}()
	ledger.CheckedBalance("A", ledgertest.Dec("10"), ledgertest.Dec("-10.01"))
}

func TestLockOrder(t *testing.T) {
	got := ledger.LockOrder([]ledger.AccountID{"b", "a", "b", "c"})
	assert.Equal(t, []ledger.AccountID{"a", "b", "c"}, got)
}

func TestFail(t *testing.T) {
	// Taxonomy errors pass through
	err := ledger.Fail("op", &ledger.AccountNotFoundError{AccountID: "x"})
	assert.True(t, ledger.IsNotFound(err))

	// Everything else becomes a storage failure that keeps its cause
	cause := errors.New("disk on fire")
	err = ledger.Fail("op", cause)
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)
	assert.ErrorIs(t, err, cause)
	assert.False(t, ledger.IsClientError(err))

	assert.NoError(t, ledger.Fail("op", nil))
}
