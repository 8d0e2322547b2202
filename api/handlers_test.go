/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Account provisioning and balance lookup
- Transfer execution (201 new, 200 replay, 422 business errors)
- Idempotency key from header and body
- Listing with pagination and filters
- CSV export headers and body
- Statistics and audit endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
	"github.com/warp/transfer-ledger/ledger/ledgertest"
	"github.com/warp/transfer-ledger/ledger/store"
)

type testServer struct {
	fx     *ledgertest.Fixture
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fx := ledgertest.NewFixture(t, store.NewMemory(), "5000")
	fx.Open(t, "alice", "10000.00")
	fx.Open(t, "bob", "100.00")

	h := NewHandler(fx.Ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Scheduler = NewAuditScheduler(fx.Ledger, h.Logger)
	return &testServer{fx: fx, router: NewRouter(h)}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) send(t *testing.T, from, to, amount string) {
	t.Helper()
	_, err := s.fx.Send(from, to, amount)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestCreateAccount(t *testing.T) {
	s := newTestServer(t)

	// WHEN: A new account is opened
	rec := s.do(t, http.MethodPost, "/api/accounts", `{"id":"carol","name":"Carol","initial_balance":"25.5"}`)

	// THEN: 201 with normalized money
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decode[AccountDTO](t, rec)
	assert.Equal(t, "carol", acct.ID)
	assert.Equal(t, "25.50", acct.Balance)
	assert.Equal(t, "25.50", acct.InitialBalance)

	// AND: Opening it again conflicts
	rec = s.do(t, http.MethodPost, "/api/accounts", `{"id":"carol","initial_balance":0}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateAccount_InvalidBalance(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/accounts", `{"id":"x","initial_balance":"-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/accounts", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalance(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounts/bob/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.Equal(t, "100.00", bal.Balance)
	assert.Equal(t, "USD", bal.Currency)

	rec = s.do(t, http.MethodGet, "/api/accounts/nobody/balance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAccounts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decode[[]AccountDTO](t, rec)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice", accounts[0].ID)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestCreateTransfer_Success(t *testing.T) {
	s := newTestServer(t)

	// WHEN: alice sends 10.50 to bob
	rec := s.do(t, http.MethodPost, "/api/transfers", `{"from_account_id":"alice","to_account_id":"bob","amount":10.5}`)

	// THEN: 201 with the committed transfer
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := decode[TransferDTO](t, rec)
	assert.NotZero(t, tr.ID)
	assert.Equal(t, "10.50", tr.Amount)
	assert.Equal(t, "2025-03-10T12:00:00Z", tr.CreatedAt)

	// AND: Balances moved
	s.fx.RequireBalance(t, "alice", "9989.50")
	s.fx.RequireBalance(t, "bob", "110.50")
}

func TestCreateTransfer_IdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	body := `{"from_account_id":"alice","to_account_id":"bob","amount":"20.00"}`

	// GIVEN: A transfer submitted with an Idempotency-Key header
	first := s.do(t, http.MethodPost, "/api/transfers", body, "Idempotency-Key", "order-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	original := decode[TransferDTO](t, first)

	// WHEN: The same key is resubmitted
	second := s.do(t, http.MethodPost, "/api/transfers", body, "Idempotency-Key", "order-1")

	// THEN: 200 with the original transfer, and funds moved once
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, original, decode[TransferDTO](t, second))
	s.fx.RequireBalance(t, "bob", "120.00")
}

func TestCreateTransfer_KeyMismatch(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/transfers",
		`{"from_account_id":"alice","to_account_id":"bob","amount":"1","idempotency_key":"a"}`,
		"Idempotency-Key", "b")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	s.fx.RequireBalance(t, "bob", "100.00")
}

func TestCreateTransfer_InsufficientFunds(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/transfers", `{"from_account_id":"bob","to_account_id":"alice","amount":"100.01"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_funds", resp.Code)
	assert.Equal(t, map[string]any{"balance": "100.00"}, resp.Details)
}

func TestCreateTransfer_DailyLimit(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: alice already sent 4999.99 today
	rec := s.do(t, http.MethodPost, "/api/transfers", `{"from_account_id":"alice","to_account_id":"bob","amount":"4999.99"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: She sends 0.02 more
	rec = s.do(t, http.MethodPost, "/api/transfers", `{"from_account_id":"alice","to_account_id":"bob","amount":"0.02"}`)

	// THEN: 422 with the limit and today's usage
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "daily_limit_exceeded", resp.Code)
	assert.Equal(t, map[string]any{"daily_limit": "5000.00", "used_today": "4999.99"}, resp.Details)

	// AND: The next day the limit is fresh
	s.fx.Clock.Advance(24 * time.Hour)
	rec = s.do(t, http.MethodPost, "/api/transfers", `{"from_account_id":"alice","to_account_id":"bob","amount":"0.02"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateTransfer_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"zero amount", `{"from_account_id":"alice","to_account_id":"bob","amount":0}`, http.StatusUnprocessableEntity},
		{"three decimals", `{"from_account_id":"alice","to_account_id":"bob","amount":"1.005"}`, http.StatusUnprocessableEntity},
		{"self transfer", `{"from_account_id":"alice","to_account_id":"alice","amount":1}`, http.StatusUnprocessableEntity},
		{"unknown receiver", `{"from_account_id":"alice","to_account_id":"zed","amount":1}`, http.StatusNotFound},
		{"malformed", `{"amount":`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/transfers", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
	s.fx.RequireBalance(t, "alice", "10000.00")
}

func TestCreateTransfer_LockTimeout(t *testing.T) {
	s := newTestServer(t)
	s.fx.Ledger.Executor.LockTimeout = 50 * time.Millisecond

	// GIVEN: Another unit holds alice's lock
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.fx.Store.WithTx(context.Background(), func(tx ledger.Tx) error {
			_, err := tx.LockAccounts(context.Background(), "alice")
			close(held)
			if err != nil {
				return err
			}
			<-release
			return nil
		})
	}()
	<-held

	// WHEN: A transfer needs the same lock
	rec := s.do(t, http.MethodPost, "/api/transfers", `{"from_account_id":"alice","to_account_id":"bob","amount":1}`)
	close(release)
	<-done

	// THEN: 503 with Retry-After
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "lock_timeout", decode[ErrorResponse](t, rec).Code)
}

func TestListTransfers_Pagination(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 20; i++ {
		s.send(t, "alice", "bob", "1.00")
		s.fx.Clock.Advance(time.Minute)
	}
	s.send(t, "bob", "alice", "5.00")

	// WHEN: The second page of 15 is requested
	rec := s.do(t, http.MethodGet, "/api/transfers?page=2", "")

	// THEN: Six transfers remain, oldest last
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TransferListResponse](t, rec)
	assert.Equal(t, PageMeta{CurrentPage: 2, PerPage: 15, Total: 21, LastPage: 2}, resp.Meta)
	require.Len(t, resp.Data, 6)
	assert.Equal(t, int64(1), resp.Data[5].ID)

	// AND: Filters narrow the set
	rec = s.do(t, http.MethodGet, "/api/transfers?from_account_id=bob", "")
	resp = decode[TransferListResponse](t, rec)
	assert.Equal(t, 1, resp.Meta.Total)

	rec = s.do(t, http.MethodGet, "/api/accounts/bob/transfers?per_page=5", "")
	resp = decode[TransferListResponse](t, rec)
	assert.Equal(t, 21, resp.Meta.Total)
	assert.Equal(t, 5, resp.Meta.LastPage)
}

func TestListTransfers_BadQuery(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"page=0", "per_page=101", "per_page=x", "since=yesterday"} {
		rec := s.do(t, http.MethodGet, "/api/transfers?"+q, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, q)
	}
	rec := s.do(t, http.MethodGet, "/api/accounts/nobody/transfers", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransfers_DateFilter(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "alice", "bob", "1.00")
	s.fx.Clock.Advance(24 * time.Hour)
	s.send(t, "alice", "bob", "2.00")

	rec := s.do(t, http.MethodGet, "/api/transfers?since=2025-03-11", "")
	resp := decode[TransferListResponse](t, rec)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "2.00", resp.Data[0].Amount)

	rec = s.do(t, http.MethodGet, "/api/transfers?until=2025-03-11T00:00:00Z", "")
	resp = decode[TransferListResponse](t, rec)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "1.00", resp.Data[0].Amount)
}

func TestGetTransfer(t *testing.T) {
	s := newTestServer(t)
	res, err := s.fx.Send("alice", "bob", "3.00")
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/transfers/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(res.Transfer.ID), decode[TransferDTO](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/transfers/99", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/transfers/abc", "").Code)
}

// =============================================================================
// EXPORT, STATISTICS, AUDIT
// =============================================================================

func TestExportCSV(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "alice", "bob", "10.00")

	rec := s.do(t, http.MethodGet, "/api/transfers/export/csv", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=UTF-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="transfers_2025-03-10_120000.csv"`, rec.Header().Get("Content-Disposition"))
	body := rec.Body.Bytes()
	assert.True(t, bytes.HasPrefix(body, []byte("\uFEFF")))
	assert.Contains(t, string(body), "1;alice;bob;10.00;2025-03-10T12:00:00Z")
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "alice", "bob", "10.00")
	s.send(t, "alice", "bob", "20.01")
	s.send(t, "bob", "alice", "5.00")

	rec := s.do(t, http.MethodGet, "/api/transfers/stats/total-by-sender", "")
	require.Equal(t, http.StatusOK, rec.Code)
	totals := decode[DataResponse[SenderTotalDTO]](t, rec).Data
	assert.Equal(t, []SenderTotalDTO{
		{AccountID: "alice", Name: "alice", TotalTransferred: "30.01"},
		{AccountID: "bob", Name: "bob", TotalTransferred: "5.00"},
	}, totals)

	rec = s.do(t, http.MethodGet, "/api/transfers/stats/average-by-user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	avgs := decode[DataResponse[SenderAverageDTO]](t, rec).Data
	require.Len(t, avgs, 2)
	assert.Equal(t, "15.01", avgs[0].AverageAmount)
	assert.Equal(t, 2, avgs[0].TransactionCount)
}

func TestAudit(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "alice", "bob", "10.00")

	// WHEN: The audit runs on demand
	rec := s.do(t, http.MethodGet, "/api/audit", "")

	// THEN: Conservation holds
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditReportDTO](t, rec)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, "10100.00", report.TotalBalance)

	// AND: The run is recorded
	rec = s.do(t, http.MethodGet, "/api/audit/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []AuditRunDTO `json:"runs"`
	}](t, rec).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
