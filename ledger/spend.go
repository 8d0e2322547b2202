package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDailyLimit is the per-sender ceiling when none is configured.
var DefaultDailyLimit = decimal.NewFromInt(5000)

// =============================================================================
// DAILY SPEND TRACKER
// =============================================================================

// DailySpendTracker computes what a sender already moved in the current day
// window and decides whether another amount still fits under the limit.
//
// TotalSentSince and Check must be called with the sender locked in tx,
// otherwise two concurrent transfers can both observe a total under the
// limit and jointly exceed it.
type DailySpendTracker struct {
	Limit    decimal.Decimal
	Location *time.Location
}

func NewDailySpendTracker(limit decimal.Decimal, loc *time.Location) *DailySpendTracker {
	if loc == nil {
		loc = time.UTC
	}
	return &DailySpendTracker{Limit: limit, Location: loc}
}

// Window returns the [start, end) day window containing now.
func (d *DailySpendTracker) Window(now time.Time) (time.Time, time.Time) {
	return DayWindow(now, d.Location)
}

// TotalSentSince sums the sender's committed transfers since windowStart.
func (d *DailySpendTracker) TotalSentSince(ctx context.Context, tx Tx, sender AccountID, windowStart time.Time) (decimal.Decimal, error) {
	total, err := tx.SentSince(ctx, sender, windowStart)
	if err != nil {
		return decimal.Zero, Fail("daily total", err)
	}
	return total, nil
}

// Check returns *DailyLimitExceededError if amount does not fit in the
// sender's remaining allowance for the day containing now.
func (d *DailySpendTracker) Check(ctx context.Context, tx Tx, sender AccountID, amount decimal.Decimal, now time.Time) error {
	start, _ := d.Window(now)
	used, err := d.TotalSentSince(ctx, tx, sender, start)
	if err != nil {
		return err
	}
	if used.Add(amount).GreaterThan(d.Limit) {
		return &DailyLimitExceededError{
			AccountID: sender,
			Limit:     d.Limit,
			UsedToday: used,
			Requested: amount,
		}
	}
	return nil
}
