/*
audit.go - Conservation and limit audit over committed state

PURPOSE:
  Recomputes every account from the transfer history and compares it with
  the stored balance. A healthy ledger satisfies, for every account:

    balance == initial_balance - sent + received
    balance >= 0

  and, for every sender and every calendar day of the tracker's location:

    sum(amount) <= daily limit

FINDINGS:
  balance_mismatch   stored balance differs from the replayed one
  negative_balance   stored balance below zero
  daily_limit        a sender exceeded the limit on some day

CONSISTENCY:
  Reads are not one snapshot. Accounts whose balance moved while the audit
  was streaming transfers are reported as skipped rather than mismatched.

SEE ALSO:
  - api/scheduler.go: Periodic runner
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type FindingKind string

const (
	FindingBalanceMismatch FindingKind = "balance_mismatch"
	FindingNegativeBalance FindingKind = "negative_balance"
	FindingDailyLimit      FindingKind = "daily_limit"
)

type AuditFinding struct {
	Kind      FindingKind
	AccountID AccountID
	Day       time.Time // set for FindingDailyLimit
	Expected  decimal.Decimal
	Actual    decimal.Decimal
}

func (f AuditFinding) String() string {
	switch f.Kind {
	case FindingDailyLimit:
		return fmt.Sprintf("%s: %s sent %s on %s (limit %s)", f.Kind, f.AccountID,
			f.Actual.StringFixed(AmountScale), f.Day.Format("2006-01-02"), f.Expected.StringFixed(AmountScale))
	default:
		return fmt.Sprintf("%s: %s expected %s, stored %s", f.Kind, f.AccountID,
			f.Expected.StringFixed(AmountScale), f.Actual.StringFixed(AmountScale))
	}
}

type AuditReport struct {
	CheckedAt    time.Time
	Accounts     int
	Transfers    int
	Skipped      []AccountID
	TotalInitial decimal.Decimal
	TotalBalance decimal.Decimal
	Findings     []AuditFinding
}

// OK reports whether the audit found nothing wrong.
func (r AuditReport) OK() bool { return len(r.Findings) == 0 }

type senderDay struct {
	sender AccountID
	day    time.Time
}

// Audit replays the transfer history against the account balances.
func Audit(ctx context.Context, store Store, spend *DailySpendTracker, now time.Time) (AuditReport, error) {
	before, err := store.ListAccounts(ctx)
	if err != nil {
		return AuditReport{}, Fail("audit accounts", err)
	}

	net := make(map[AccountID]decimal.Decimal, len(before))
	daily := make(map[senderDay]decimal.Decimal)
	transfers := 0
	err = store.EachTransfer(ctx, func(t Transfer) error {
		transfers++
		net[t.SenderID] = net[t.SenderID].Sub(t.Amount)
		net[t.ReceiverID] = net[t.ReceiverID].Add(t.Amount)
		k := senderDay{sender: t.SenderID, day: StartOfDay(t.CreatedAt, spend.Location)}
		daily[k] = daily[k].Add(t.Amount)
		return nil
	})
	if err != nil {
		return AuditReport{}, Fail("audit transfers", err)
	}

	after, err := store.ListAccounts(ctx)
	if err != nil {
		return AuditReport{}, Fail("audit accounts", err)
	}
	settled := make(map[AccountID]decimal.Decimal, len(after))
	for _, a := range after {
		settled[a.ID] = a.Balance
	}

	report := AuditReport{
		CheckedAt:    now,
		Accounts:     len(before),
		Transfers:    transfers,
		TotalInitial: decimal.Zero,
		TotalBalance: decimal.Zero,
	}
	for _, a := range before {
		report.TotalInitial = report.TotalInitial.Add(a.InitialBalance)
		report.TotalBalance = report.TotalBalance.Add(a.Balance)

		if b, ok := settled[a.ID]; !ok || !b.Equal(a.Balance) {
			report.Skipped = append(report.Skipped, a.ID)
			continue
		}
		if a.Balance.IsNegative() {
			report.Findings = append(report.Findings, AuditFinding{
				Kind: FindingNegativeBalance, AccountID: a.ID, Expected: decimal.Zero, Actual: a.Balance,
			})
		}
		expected := a.InitialBalance.Add(net[a.ID])
		if !expected.Equal(a.Balance) {
			report.Findings = append(report.Findings, AuditFinding{
				Kind: FindingBalanceMismatch, AccountID: a.ID, Expected: expected, Actual: a.Balance,
			})
		}
	}

	for k, total := range daily {
		if total.GreaterThan(spend.Limit) {
			report.Findings = append(report.Findings, AuditFinding{
				Kind: FindingDailyLimit, AccountID: k.sender, Day: k.day, Expected: spend.Limit, Actual: total,
			})
		}
	}
	sort.Slice(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Day.Before(b.Day)
	})
	return report, nil
}
