package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/warp/transfer-ledger/config"
	"github.com/warp/transfer-ledger/ledger"
)

// Commands lists every ledgerctl subcommand.
var Commands = []subcommands.Command{
	&openCmd{},
	&transferCmd{},
	&balanceCmd{},
	&transfersCmd{},
	&exportCmd{},
	&statsCmd{},
	&auditCmd{},
}

// stdout is replaced in tests.
var stdout io.Writer = os.Stdout

// withLedger opens the configured store, runs fn and closes the store.
func withLedger(ctx context.Context, args []interface{}, fn func(cfg *config.Config, l *ledger.Ledger) error) subcommands.ExitStatus {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "missing configuration")
		return subcommands.ExitFailure
	}
	cfg := args[0].(*config.Config)
	s, err := cfg.OpenStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer s.Close()

	if err := fn(cfg, cfg.NewLedger(s, cfg.Logger(os.Stderr))); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ledger.IsClientError(err) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// display renders d in the currency's conventional format, e.g. "$1,234.50".
func display(d decimal.Decimal, code string) string {
	cur := money.GetCurrency(code)
	if cur == nil {
		return d.StringFixed(ledger.AmountScale) + " " + code
	}
	return money.New(d.Shift(int32(cur.Fraction)).IntPart(), cur.Code).Display()
}

// =============================================================================
// open
// =============================================================================

type openCmd struct {
	id      string
	name    string
	balance string
}

func (*openCmd) Name() string     { return "open" }
func (*openCmd) Synopsis() string { return "open an account with an initial balance" }
func (*openCmd) Usage() string {
	return `ledgerctl open [-id <id>] [-name <name>] [-balance <amount>]

  Provisions an account. An id is generated when none is given.
`
}

func (c *openCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.id, "id", "", "account id (generated when empty)")
	f.StringVar(&c.name, "name", "", "display name")
	f.StringVar(&c.balance, "balance", "0", "initial balance")
}

func (c *openCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		balance, err := decimal.NewFromString(c.balance)
		if err != nil {
			return fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, c.balance)
		}
		acct, err := l.OpenAccount(ctx, ledger.OpenAccountRequest{
			ID:             ledger.AccountID(c.id),
			Name:           c.name,
			InitialBalance: balance,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "opened %s with %s\n", acct.ID, display(acct.Balance, cfg.Currency))
		return nil
	})
}

// =============================================================================
// transfer
// =============================================================================

type transferCmd struct {
	key string
}

func (*transferCmd) Name() string     { return "transfer" }
func (*transferCmd) Synopsis() string { return "move funds between two accounts" }
func (*transferCmd) Usage() string {
	return `ledgerctl transfer [-key <idempotency key>] <from> <to> <amount>

  Executes one transfer. Re-running with the same -key returns the original
  transfer without moving funds again.
`
}

func (c *transferCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.key, "key", "", "idempotency key")
}

func (c *transferCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		amount, err := decimal.NewFromString(f.Arg(2))
		if err != nil {
			return fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, f.Arg(2))
		}
		res, err := l.ExecuteTransfer(ctx, ledger.TransferRequest{
			SenderID:       ledger.AccountID(f.Arg(0)),
			ReceiverID:     ledger.AccountID(f.Arg(1)),
			Amount:         amount,
			IdempotencyKey: c.key,
		})
		if err != nil {
			return err
		}
		t := res.Transfer
		status := "committed"
		if res.Replayed {
			status = "replayed"
		}
		fmt.Fprintf(stdout, "transfer #%d %s: %s -> %s %s\n", t.ID, status, t.SenderID, t.ReceiverID, display(t.Amount, cfg.Currency))
		return nil
	})
}

// =============================================================================
// balance
// =============================================================================

type balanceCmd struct{}

func (*balanceCmd) Name() string           { return "balance" }
func (*balanceCmd) Synopsis() string       { return "print account balances" }
func (*balanceCmd) Usage() string          { return "ledgerctl balance [<account id>...]\n" }
func (*balanceCmd) SetFlags(*flag.FlagSet) {}

func (c *balanceCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		var accounts []ledger.Account
		if f.NArg() == 0 {
			all, err := l.ListAccounts(ctx)
			if err != nil {
				return err
			}
			accounts = all
		}
		for _, id := range f.Args() {
			acct, err := l.GetAccount(ctx, ledger.AccountID(id))
			if err != nil {
				return err
			}
			accounts = append(accounts, acct)
		}

		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "ACCOUNT\tNAME\tBALANCE\t")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%s\t\n", a.ID, a.Name, display(a.Balance, cfg.Currency))
		}
		return w.Flush()
	})
}

// =============================================================================
// transfers
// =============================================================================

type transfersCmd struct {
	account string
	from    string
	to      string
	since   string
	until   string
	limit   int
	offset  int
}

func (*transfersCmd) Name() string     { return "transfers" }
func (*transfersCmd) Synopsis() string { return "list committed transfers, newest first" }
func (*transfersCmd) Usage() string {
	return `ledgerctl transfers [-account <id>] [-from <id>] [-to <id>] [-since <date>] [-until <date>] [-limit n] [-offset n]

  Dates are YYYY-MM-DD in the configured time zone, or RFC 3339.
`
}

func (c *transfersCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "sender or receiver")
	f.StringVar(&c.from, "from", "", "sender")
	f.StringVar(&c.to, "to", "", "receiver")
	f.StringVar(&c.since, "since", "", "inclusive lower bound")
	f.StringVar(&c.until, "until", "", "exclusive upper bound")
	f.IntVar(&c.limit, "limit", 15, "maximum rows, 0 for all")
	f.IntVar(&c.offset, "offset", 0, "rows to skip")
}

func (c *transfersCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		filter := ledger.TransferFilter{
			AccountID:  ledger.AccountID(c.account),
			SenderID:   ledger.AccountID(c.from),
			ReceiverID: ledger.AccountID(c.to),
			Limit:      c.limit,
			Offset:     c.offset,
		}
		var err error
		if filter.Since, err = parseDate(c.since, cfg.Location); err != nil {
			return err
		}
		if filter.Until, err = parseDate(c.until, cfg.Location); err != nil {
			return err
		}

		page, err := l.ListTransfers(ctx, filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tTO\tAMOUNT\tCREATED\tKEY")
		for _, t := range page.Transfers {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.SenderID, t.ReceiverID,
				display(t.Amount, cfg.Currency), t.CreatedAt.In(cfg.Location).Format(time.RFC3339), t.IdempotencyKey)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d of %d\n", len(page.Transfers), page.Total)
		return nil
	})
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ledger.ErrInvalidTransfer, s)
	}
	return t, nil
}

// =============================================================================
// export
// =============================================================================

type exportCmd struct {
	output string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "export every transfer as CSV" }
func (*exportCmd) Usage() string {
	return `ledgerctl export [-o <file>]

  Writes a ';'-separated, UTF-8 (BOM) CSV of all transfers in id order.
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "-", "output file, - for stdout")
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		if c.output == "-" {
			return ledger.WriteCSV(ctx, l.Store, stdout, cfg.Location)
		}
		f, err := os.Create(c.output)
		if err != nil {
			return err
		}
		if err := ledger.WriteCSV(ctx, l.Store, f, cfg.Location); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// =============================================================================
// stats
// =============================================================================

type statsCmd struct{}

func (*statsCmd) Name() string           { return "stats" }
func (*statsCmd) Synopsis() string       { return "per-sender totals and averages" }
func (*statsCmd) Usage() string          { return "ledgerctl stats\n" }
func (*statsCmd) SetFlags(*flag.FlagSet) {}

func (c *statsCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		stats, err := ledger.SenderStatistics(ctx, l.Store)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "SENDER\tCOUNT\tTOTAL\tAVERAGE\t")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t\n", s.AccountID, s.Count, display(s.Total, cfg.Currency), display(s.Average, cfg.Currency))
		}
		return w.Flush()
	})
}

// =============================================================================
// audit
// =============================================================================

type auditCmd struct{}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "verify conservation of funds and daily limits" }
func (*auditCmd) Usage() string {
	return `ledgerctl audit

  Recomputes every balance from its initial balance and transfers, and checks
  that no sender exceeded the daily limit. Exits non-zero on any finding.
`
}
func (*auditCmd) SetFlags(*flag.FlagSet) {}

// errFindings signals a completed audit that found problems.
var errFindings = errors.New("audit found inconsistencies")

func (c *auditCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, args, func(cfg *config.Config, l *ledger.Ledger) error {
		report, err := ledger.Audit(ctx, l.Store, l.Spend, l.Clock.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "accounts: %d, transfers: %d, total balance: %s (initial %s)\n",
			report.Accounts, report.Transfers, display(report.TotalBalance, cfg.Currency), display(report.TotalInitial, cfg.Currency))
		if len(report.Skipped) > 0 {
			ids := make([]string, len(report.Skipped))
			for i, id := range report.Skipped {
				ids[i] = string(id)
			}
			fmt.Fprintf(stdout, "skipped (changed during audit): %s\n", strings.Join(ids, ", "))
		}
		for _, f := range report.Findings {
			fmt.Fprintln(stdout, f.String())
		}
		if !report.OK() {
			return errFindings
		}
		fmt.Fprintln(stdout, "OK")
		return nil
	})
}
