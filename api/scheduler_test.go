package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger/ledgertest"
	"github.com/warp/transfer-ledger/ledger/store"
)

func newTestScheduler(t *testing.T) *AuditScheduler {
	t.Helper()
	fx := ledgertest.NewFixture(t, store.NewMemory(), "5000")
	fx.Open(t, "alice", "10.00")
	return NewAuditScheduler(fx.Ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuditScheduler_RunsOnStartAndTick(t *testing.T) {
	as := newTestScheduler(t)
	as.CheckInterval = 10 * time.Millisecond

	as.Start()
	require.Eventually(t, func() bool { return len(as.Runs()) >= 2 }, time.Second, 5*time.Millisecond)
	as.Stop()

	runs := as.Runs()
	assert.Equal(t, "completed", runs[0].Status)
	require.NotNil(t, runs[0].Report)
	assert.True(t, runs[0].Report.OK())
}

func TestAuditScheduler_Disabled(t *testing.T) {
	as := newTestScheduler(t)
	as.Enabled = false

	as.Start()
	as.Stop()

	assert.Empty(t, as.Runs())
}

func TestAuditScheduler_KeepsLastRuns(t *testing.T) {
	as := newTestScheduler(t)

	var last AuditRun
	for i := 0; i < MaxRuns+5; i++ {
		last = as.RunNow(context.Background())
	}

	runs := as.Runs()
	assert.Len(t, runs, MaxRuns)
	assert.Equal(t, last.ID, runs[0].ID)
}
