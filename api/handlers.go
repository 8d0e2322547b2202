/*
handlers.go - HTTP API handlers for the transfer ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every decision to ledger.Ledger.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                 List all accounts
    POST   /api/accounts                 Open an account
    GET    /api/accounts/{id}            Get account details
    GET    /api/accounts/{id}/balance    Get committed balance
    GET    /api/accounts/{id}/transfers  Transfers sent or received

  Transfers:
    POST   /api/transfers                Execute a transfer (201 new, 200 replay)
    GET    /api/transfers                List transfers, newest first
    GET    /api/transfers/{id}           Get one transfer
    GET    /api/transfers/export/csv     Stream all transfers as CSV
    GET    /api/transfers/stats/total-by-sender
    GET    /api/transfers/stats/average-by-user

  Audit:
    GET    /api/audit                    Run the conservation audit now
    GET    /api/audit/runs               Recent scheduled runs

PAGINATION:
  ?page=1&per_page=15 (per_page max 100). Optional filters:
  from_account_id, to_account_id, since, until (RFC 3339 or YYYY-MM-DD).

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 404: Account or transfer not found
  - 409: Account exists, concurrent conflict
  - 422: Validation, insufficient funds, daily limit exceeded
  - 503: Lock timeout (with Retry-After)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/transfer-ledger/ledger"
)

const (
	DefaultPerPage = 15
	MaxPerPage     = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Scheduler *AuditScheduler // optional
	Location  *time.Location
	Currency  string
	Logger    *slog.Logger
}

// NewHandler creates a new handler over l.
func NewHandler(l *ledger.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if l.Spend != nil && l.Spend.Location != nil {
		loc = l.Spend.Location
	}
	return &Handler{
		Ledger:   l,
		Location: loc,
		Currency: "USD",
		Logger:   logger,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns all accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Ledger.ListAccounts(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAccount opens an account with its initial balance.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, err := h.Ledger.OpenAccount(r.Context(), ledger.OpenAccountRequest{
		ID:             ledger.AccountID(req.ID),
		Name:           req.Name,
		InitialBalance: req.InitialBalance,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.GetAccount(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance returns the committed balance of an account.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	balance, err := h.Ledger.GetAccountBalance(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(id),
		Balance:   money(balance),
		Currency:  h.Currency,
	})
}

// GetAccountTransfers lists transfers where the account is sender or receiver.
func (h *Handler) GetAccountTransfers(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if _, err := h.Ledger.GetAccount(r.Context(), id); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	filter, page, perPage, err := h.parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid query", err)
		return
	}
	filter.AccountID = id
	h.listTransfers(w, r, filter, page, perPage)
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// CreateTransfer executes a transfer. A replayed idempotency key answers 200
// with the original transfer instead of 201.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	key := req.IdempotencyKey
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		if key != "" && key != header {
			writeError(w, http.StatusUnprocessableEntity, "Idempotency key in header and body differ", nil)
			return
		}
		key = header
	}

	result, err := h.Ledger.ExecuteTransfer(r.Context(), ledger.TransferRequest{
		SenderID:       ledger.AccountID(req.FromAccountID),
		ReceiverID:     ledger.AccountID(req.ToAccountID),
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, toTransferDTO(result.Transfer, h.Location))
}

// ListTransfers returns committed transfers, newest first, paginated.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	filter, page, perPage, err := h.parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid query", err)
		return
	}
	h.listTransfers(w, r, filter, page, perPage)
}

func (h *Handler) listTransfers(w http.ResponseWriter, r *http.Request, filter ledger.TransferFilter, page, perPage int) {
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	result, err := h.Ledger.ListTransfers(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	resp := TransferListResponse{
		Data: make([]TransferDTO, len(result.Transfers)),
		Meta: PageMeta{
			CurrentPage: page,
			PerPage:     perPage,
			Total:       result.Total,
			LastPage:    int(math.Max(1, math.Ceil(float64(result.Total)/float64(perPage)))),
		},
	}
	for i, t := range result.Transfers {
		resp.Data[i] = toTransferDTO(t, h.Location)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTransfer returns one transfer.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Transfer not found", err)
		return
	}
	t, err := h.Ledger.GetTransfer(r.Context(), ledger.TransferID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t, h.Location))
}

// ExportCSV streams every transfer as a ';'-separated CSV file.
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("transfers_%s.csv", h.Ledger.Clock.Now().In(h.Location).Format("2006-01-02_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=UTF-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)

	// Status is already sent; a failure can only truncate the body.
	if err := ledger.WriteCSV(r.Context(), h.Ledger.Store, w, h.Location); err != nil {
		h.Logger.Error("csv export failed", "request_id", requestID(r), "error", err)
	}
}

// StatsTotalBySender returns the total amount sent per account.
func (h *Handler) StatsTotalBySender(w http.ResponseWriter, r *http.Request) {
	stats, names, err := h.senderStats(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]SenderTotalDTO, len(stats))
	for i, s := range stats {
		out[i] = SenderTotalDTO{
			AccountID:        string(s.AccountID),
			Name:             names[s.AccountID],
			TotalTransferred: money(s.Total),
		}
	}
	writeJSON(w, http.StatusOK, DataResponse[SenderTotalDTO]{Data: out})
}

// StatsAverageByUser returns the average amount and count per sender.
func (h *Handler) StatsAverageByUser(w http.ResponseWriter, r *http.Request) {
	stats, names, err := h.senderStats(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]SenderAverageDTO, len(stats))
	for i, s := range stats {
		out[i] = SenderAverageDTO{
			AccountID:        string(s.AccountID),
			Name:             names[s.AccountID],
			AverageAmount:    money(s.Average),
			TransactionCount: s.Count,
		}
	}
	writeJSON(w, http.StatusOK, DataResponse[SenderAverageDTO]{Data: out})
}

func (h *Handler) senderStats(ctx context.Context) ([]ledger.SenderStats, map[ledger.AccountID]string, error) {
	stats, err := ledger.SenderStatistics(ctx, h.Ledger.Store)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := h.Ledger.ListAccounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	names := make(map[ledger.AccountID]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Name
	}
	return stats, names, nil
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// RunAudit runs the conservation audit on demand.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	var (
		report ledger.AuditReport
		err    error
	)
	if h.Scheduler != nil {
		run := h.Scheduler.RunNow(r.Context())
		if run.Report != nil {
			report = *run.Report
		} else {
			err = errors.New(run.Error)
		}
	} else {
		report, err = ledger.Audit(r.Context(), h.Ledger.Store, h.Ledger.Spend, h.Ledger.Clock.Now())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// ListAuditRuns returns recent scheduled audit runs, newest first.
func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		NextRunAt string        `json:"next_run_at,omitempty"`
		Runs      []AuditRunDTO `json:"runs"`
	}{Runs: []AuditRunDTO{}}

	if h.Scheduler != nil {
		if h.Scheduler.Enabled && h.Scheduler.CheckInterval > 0 {
			resp.NextRunAt = h.Scheduler.GetNextRunTime().UTC().Format(time.RFC3339)
		}
		for _, run := range h.Scheduler.Runs() {
			dto := AuditRunDTO{
				ID:        run.ID,
				Status:    run.Status,
				StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
				Error:     run.Error,
			}
			if !run.CompletedAt.IsZero() {
				dto.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
			}
			if run.Report != nil {
				report := toAuditReportDTO(*run.Report)
				dto.Report = &report
			}
			resp.Runs = append(resp.Runs, dto)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// parseListQuery reads pagination and filters from the query string.
func (h *Handler) parseListQuery(r *http.Request) (ledger.TransferFilter, int, int, error) {
	q := r.URL.Query()
	var filter ledger.TransferFilter

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		return filter, 0, 0, fmt.Errorf("page must be a positive integer")
	}
	perPage, err := intParam(q.Get("per_page"), DefaultPerPage)
	if err != nil || perPage < 1 || perPage > MaxPerPage {
		return filter, 0, 0, fmt.Errorf("per_page must be between 1 and %d", MaxPerPage)
	}

	filter.SenderID = ledger.AccountID(q.Get("from_account_id"))
	filter.ReceiverID = ledger.AccountID(q.Get("to_account_id"))
	if filter.Since, err = h.timeParam(q.Get("since")); err != nil {
		return filter, 0, 0, fmt.Errorf("since: %w", err)
	}
	if filter.Until, err = h.timeParam(q.Get("until")); err != nil {
		return filter, 0, 0, fmt.Errorf("until: %w", err)
	}
	return filter, page, perPage, nil
}

func intParam(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}

// timeParam accepts RFC 3339 or a bare date, read as local midnight.
func (h *Handler) timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, h.Location)
}

// writeLedgerError maps the ledger error taxonomy onto HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		funds *ledger.InsufficientFundsError
		limit *ledger.DailyLimitExceededError
	)
	switch {
	case errors.As(err, &funds):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Insufficient funds",
			Code:    "insufficient_funds",
			Details: map[string]string{"balance": money(funds.Balance)},
		})
	case errors.As(err, &limit):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: fmt.Sprintf("Daily transfer limit exceeded. The limit is %s %s per day.", money(limit.Limit), h.Currency),
			Code:  "daily_limit_exceeded",
			Details: map[string]string{
				"daily_limit": money(limit.Limit),
				"used_today":  money(limit.UsedToday),
			},
		})
	case ledger.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidTransfer):
		writeErrorCode(w, http.StatusUnprocessableEntity, "validation_failed", err)
	case errors.Is(err, ledger.ErrAccountExists):
		writeErrorCode(w, http.StatusConflict, "account_exists", err)
	case errors.Is(err, ledger.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeErrorCode(w, http.StatusServiceUnavailable, "lock_timeout", err)
	case errors.Is(err, ledger.ErrConflict):
		writeErrorCode(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeErrorCode(w, http.StatusServiceUnavailable, "request_cancelled", err)
	default:
		h.Logger.Error("request failed", "request_id", requestID(r), "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeErrorCode(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
