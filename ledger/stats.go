package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// SenderStats aggregates the committed outgoing transfers of one account.
type SenderStats struct {
	AccountID AccountID
	Total     decimal.Decimal
	Average   decimal.Decimal
	Count     int
}

// SenderStatistics returns per-sender totals, averages and counts, ordered by
// account id. It is a read-only projection and takes no locks.
func SenderStatistics(ctx context.Context, store Store) ([]SenderStats, error) {
	bySender := make(map[AccountID]*SenderStats)
	err := store.EachTransfer(ctx, func(t Transfer) error {
		s, ok := bySender[t.SenderID]
		if !ok {
			s = &SenderStats{AccountID: t.SenderID, Total: decimal.Zero}
			bySender[t.SenderID] = s
		}
		s.Total = s.Total.Add(t.Amount)
		s.Count++
		return nil
	})
	if err != nil {
		return nil, Fail("sender statistics", err)
	}

	stats := make([]SenderStats, 0, len(bySender))
	for _, s := range bySender {
		s.Average = s.Total.Div(decimal.NewFromInt(int64(s.Count))).Round(AmountScale)
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].AccountID < stats[j].AccountID })
	return stats, nil
}
