package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
	"github.com/warp/transfer-ledger/ledger/ledgertest"
	"github.com/warp/transfer-ledger/ledger/store"
)

func TestDayWindow_UTC(t *testing.T) {
	now := time.Date(2025, time.March, 10, 23, 59, 59, 0, time.UTC)
	start, end := ledger.DayWindow(now, time.UTC)
	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC), end)
}

func TestDayWindow_DSTDayIs23Hours(t *testing.T) {
	// GIVEN: The spring-forward day in New York
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	now := time.Date(2025, time.March, 9, 15, 0, 0, 0, loc)

	// WHEN: Computing the window
	start, end := ledger.DayWindow(now, loc)

	// THEN: It runs from local midnight to the next local midnight
	assert.Equal(t, 23*time.Hour, end.Sub(start))
	assert.Equal(t, 0, end.In(loc).Hour())
}

func TestDayWindow_ConvertsToLocation(t *testing.T) {
	// 2025-03-10 02:00 UTC is still March 9 in UTC-5
	loc := time.FixedZone("UTC-5", -5*3600)
	start, _ := ledger.DayWindow(time.Date(2025, time.March, 10, 2, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, 9, start.Day())
}

func TestDailySpendTracker_UsesLocation(t *testing.T) {
	// GIVEN: A tracker in UTC+2 and a transfer at 23:30 UTC on March 9,
	// which is already March 10 locally
	loc := time.FixedZone("UTC+2", 2*3600)
	m := store.NewMemory()
	f := ledgertest.NewFixture(t, m, "5000")
	f.Ledger.Spend.Location = loc
	f.Open(t, "A", "10000")
	f.Open(t, "B", "0")

	f.Clock.Set(time.Date(2025, time.March, 9, 23, 30, 0, 0, time.UTC))
	_, err := f.Send("A", "B", "4000")
	require.NoError(t, err)

	// WHEN: Sending again at 10:00 UTC on March 10, the same local day
	f.Clock.Set(time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC))
	_, err = f.Send("A", "B", "2000")

	// THEN: Both count against the same day
	assert.ErrorIs(t, err, ledger.ErrDailyLimitExceeded)

	// AND: The next local day is fresh (22:00 UTC is midnight in UTC+2)
	f.Clock.Set(time.Date(2025, time.March, 10, 22, 0, 0, 0, time.UTC))
	_, err = f.Send("A", "B", "2000")
	require.NoError(t, err)
}

func TestDailySpendTracker_Check(t *testing.T) {
	m := store.NewMemory()
	f := ledgertest.NewFixture(t, m, "100")
	f.Open(t, "A", "1000")
	f.Open(t, "B", "0")
	_, err := f.Send("A", "B", "60")
	require.NoError(t, err)
	ctx := context.Background()

	tracker := ledger.NewDailySpendTracker(ledgertest.Dec("100"), nil)
	err = m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.LockAccounts(ctx, "A")
		require.NoError(t, err)

		start, _ := tracker.Window(ledgertest.Epoch)
		used, err := tracker.TotalSentSince(ctx, tx, "A", start)
		require.NoError(t, err)
		assert.True(t, ledgertest.Dec("60").Equal(used))

		assert.NoError(t, tracker.Check(ctx, tx, "A", ledgertest.Dec("40"), ledgertest.Epoch))

		err = tracker.Check(ctx, tx, "A", ledgertest.Dec("40.01"), ledgertest.Epoch)
		var limitErr *ledger.DailyLimitExceededError
		require.ErrorAs(t, err, &limitErr)
		assert.True(t, ledgertest.Dec("40.01").Equal(limitErr.Requested))
		return nil
	})
	require.NoError(t, err)
}
