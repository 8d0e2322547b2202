/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers with pagination or collections

MONEY:
  Amounts are rendered as strings with two decimals ("10.50"). Requests accept
  either a JSON string or a JSON number.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/transfer-ledger/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	InitialBalance string `json:"initial_balance"`
	Balance        string `json:"balance"`
	CreatedAt      string `json:"created_at"`
}

type CreateAccountRequest struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferDTO struct {
	ID             int64  `json:"id"`
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// CreateTransferRequest is the body of POST /api/transfers. The idempotency
// key may also come from the Idempotency-Key header.
type CreateTransferRequest struct {
	FromAccountID  string          `json:"from_account_id"`
	ToAccountID    string          `json:"to_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type PageMeta struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}

type TransferListResponse struct {
	Data []TransferDTO `json:"data"`
	Meta PageMeta      `json:"meta"`
}

// =============================================================================
// STATISTICS
// =============================================================================

type SenderTotalDTO struct {
	AccountID        string `json:"account_id"`
	Name             string `json:"name,omitempty"`
	TotalTransferred string `json:"total_transferred"`
}

type SenderAverageDTO struct {
	AccountID        string `json:"account_id"`
	Name             string `json:"name,omitempty"`
	AverageAmount    string `json:"average_amount"`
	TransactionCount int    `json:"transaction_count"`
}

// DataResponse wraps collections as {"data": [...]}.
type DataResponse[T any] struct {
	Data []T `json:"data"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditFindingDTO struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	Day       string `json:"day,omitempty"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

type AuditReportDTO struct {
	CheckedAt    string            `json:"checked_at"`
	OK           bool              `json:"ok"`
	Accounts     int               `json:"accounts"`
	Transfers    int               `json:"transfers"`
	Skipped      []string          `json:"skipped"`
	TotalInitial string            `json:"total_initial"`
	TotalBalance string            `json:"total_balance"`
	Findings     []AuditFindingDTO `json:"findings"`
}

type AuditRunDTO struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	StartedAt   string          `json:"started_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Report      *AuditReportDTO `json:"report,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.AmountScale)
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:             string(a.ID),
		Name:           a.Name,
		InitialBalance: money(a.InitialBalance),
		Balance:        money(a.Balance),
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTransferDTO(t ledger.Transfer, loc *time.Location) TransferDTO {
	return TransferDTO{
		ID:             int64(t.ID),
		FromAccountID:  string(t.SenderID),
		ToAccountID:    string(t.ReceiverID),
		Amount:         money(t.Amount),
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      t.CreatedAt.In(loc).Format(time.RFC3339),
	}
}

func toAuditReportDTO(r ledger.AuditReport) AuditReportDTO {
	dto := AuditReportDTO{
		CheckedAt:    r.CheckedAt.UTC().Format(time.RFC3339),
		OK:           r.OK(),
		Accounts:     r.Accounts,
		Transfers:    r.Transfers,
		Skipped:      make([]string, len(r.Skipped)),
		TotalInitial: money(r.TotalInitial),
		TotalBalance: money(r.TotalBalance),
		Findings:     make([]AuditFindingDTO, len(r.Findings)),
	}
	for i, id := range r.Skipped {
		dto.Skipped[i] = string(id)
	}
	for i, f := range r.Findings {
		fd := AuditFindingDTO{
			Kind:      string(f.Kind),
			AccountID: string(f.AccountID),
			Expected:  money(f.Expected),
			Actual:    money(f.Actual),
		}
		if !f.Day.IsZero() {
			fd.Day = f.Day.Format("2006-01-02")
		}
		dto.Findings[i] = fd
	}
	return dto
}
