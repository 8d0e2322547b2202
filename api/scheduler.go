/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Runs ledger.Audit in the background and keeps the most recent runs for the
  /api/audit/runs endpoint. Findings are logged at error level; the audit
  never modifies the ledger.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Keeps the last MaxRuns runs in memory

USAGE:
  scheduler := NewAuditScheduler(l, logger)
  scheduler.CheckInterval = cfg.AuditInterval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/audit.go: The checks themselves
  - handlers.go: RunAudit (on demand), ListAuditRuns
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/transfer-ledger/ledger"
)

// MaxRuns bounds the run history kept by AuditScheduler.
const MaxRuns = 20

// AuditRun records one scheduled audit.
type AuditRun struct {
	ID          string
	Status      string // running, completed, failed
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	Report      *ledger.AuditReport
}

// AuditScheduler handles automated conservation audits.
type AuditScheduler struct {
	Ledger        *ledger.Ledger
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.Mutex
	runs   []AuditRun // newest last
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(l *ledger.Ledger, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditScheduler{
		Ledger:        l,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger.With("component", "audit"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.Logger.Info("audit scheduler disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)

	go as.run()

	as.Logger.Info("audit scheduler started", "interval", as.CheckInterval)
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow performs one audit and records it.
func (as *AuditScheduler) RunNow(ctx context.Context) AuditRun {
	run := AuditRun{
		ID:        "audit-" + uuid.NewString(),
		Status:    "running",
		StartedAt: as.Ledger.Clock.Now(),
	}

	report, err := ledger.Audit(ctx, as.Ledger.Store, as.Ledger.Spend, run.StartedAt)
	run.CompletedAt = as.Ledger.Clock.Now()
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		as.Logger.Error("audit failed", "run_id", run.ID, "error", err)
	} else {
		run.Status = "completed"
		run.Report = &report
		for _, f := range report.Findings {
			as.Logger.Error("audit finding", "run_id", run.ID, "kind", f.Kind, "account", f.AccountID, "detail", f.String())
		}
		as.Logger.Info("audit completed",
			"run_id", run.ID,
			"accounts", report.Accounts,
			"transfers", report.Transfers,
			"skipped", len(report.Skipped),
			"findings", len(report.Findings),
		)
	}

	as.record(run)
	return run
}

func (as *AuditScheduler) record(run AuditRun) {
	as.runsMu.Lock()
	defer as.runsMu.Unlock()
	as.runs = append(as.runs, run)
	if len(as.runs) > MaxRuns {
		as.runs = append([]AuditRun(nil), as.runs[len(as.runs)-MaxRuns:]...)
	}
}

// Runs returns recorded runs, newest first.
func (as *AuditScheduler) Runs() []AuditRun {
	as.runsMu.Lock()
	defer as.runsMu.Unlock()
	out := make([]AuditRun, len(as.runs))
	for i, r := range as.runs {
		out[len(as.runs)-1-i] = r
	}
	return out
}

// GetNextRunTime returns when the next scheduled check will occur.
func (as *AuditScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(as.CheckInterval)
}
