/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable single-node store for accounts, transfers and the idempotency
  index. The default backend of cmd/server and cmd/ledgerctl.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transfers table
  - Balances change only through txView.AdjustBalance inside WithTx

KEY TABLES:
  accounts:          id, initial_balance, balance (CHECK balance >= 0)
  transfers:         Immutable ledger (CHECK amount > 0, sender <> receiver)
  idempotency_keys:  key PRIMARY KEY -> transfer_id

INDEXES:
  - idx_transfers_sender_created: daily total (hot path, under lock)
  - idx_transfers_created:        listing newest first
  - transfers.idempotency_key UNIQUE: second guard behind idempotency_keys

CONCURRENCY:
  SQLite has one writer per database. The pool is limited to a single
  connection and transactions start with BEGIN IMMEDIATE, so a unit of work
  owns the write lock from its first statement. That lock subsumes the
  per-account row locks of LockAccounts. Waiting for the connection is the
  lock wait and is bounded by the ctx passed to WithTx.

MONEY AND TIME:
  Decimals are stored as TEXT with two fractional digits and summed in Go.
  Timestamps are stored as fixed-width UTC text so that string comparison
  matches chronological order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: Row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/transfer-ledger/ledger"
)

// timeLayout is RFC 3339 with fixed nanosecond width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// eachBatch is the page size used by EachTransfer.
const eachBatch = 500

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	// Keep the connection alive; an in-memory database lives as long as it does.
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		initial_balance TEXT NOT NULL CHECK (CAST(initial_balance AS REAL) >= 0),
		balance TEXT NOT NULL CHECK (CAST(balance AS REAL) >= 0),
		created_at TEXT NOT NULL
	);

	-- Transfers (append-only ledger)
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		receiver_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		amount TEXT NOT NULL CHECK (CAST(amount AS REAL) > 0),
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		CHECK (sender_id <> receiver_id)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_sender_created
		ON transfers(sender_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transfers_receiver
		ON transfers(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_created
		ON transfers(created_at DESC, id DESC);

	-- Idempotency index: the PRIMARY KEY is the race-free arbiter
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		transfer_id INTEGER NOT NULL UNIQUE REFERENCES transfers(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, initial_balance, balance, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		acct.ID, acct.Name,
		acct.InitialBalance.StringFixed(ledger.AmountScale),
		acct.Balance.StringFixed(ledger.AmountScale),
		formatTime(acct.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acct.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, initial_balance, balance, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func getAccount(ctx context.Context, q queryer, id ledger.AccountID) (ledger.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, name, initial_balance, balance, created_at FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, &ledger.AccountNotFoundError{AccountID: id}
	}
	return a, err
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                        ledger.Account
		initial, balance, create string
	)
	if err := row.Scan(&a.ID, &a.Name, &initial, &balance, &create); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	var err error
	if a.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return a, fmt.Errorf("corrupt initial balance for %s: %w", a.ID, err)
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return a, fmt.Errorf("corrupt balance for %s: %w", a.ID, err)
	}
	a.CreatedAt, err = parseTime(create)
	return a, err
}

// =============================================================================
// TRANSFERS (read side)
// =============================================================================

const transferColumns = "id, sender_id, receiver_id, amount, idempotency_key, created_at"

func (s *Store) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = ?", id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transfer{}, fmt.Errorf("%w: %d", ledger.ErrTransferNotFound, id)
	}
	return t, err
}

func (s *Store) ListTransfers(ctx context.Context, filter ledger.TransferFilter) (ledger.TransferPage, error) {
	where, args := transferWhere(filter)

	var page ledger.TransferPage
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transfers"+where, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("failed to count transfers: %w", err)
	}

	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query := "SELECT " + transferColumns + " FROM transfers" + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	transfers, err := s.queryTransfers(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return page, err
	}
	page.Transfers = transfers
	if page.Transfers == nil {
		page.Transfers = []ledger.Transfer{}
	}
	return page, nil
}

func transferWhere(f ledger.TransferFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.AccountID != "" {
		clauses = append(clauses, "(sender_id = ? OR receiver_id = ?)")
		args = append(args, f.AccountID, f.AccountID)
	}
	if f.SenderID != "" {
		clauses = append(clauses, "sender_id = ?")
		args = append(args, f.SenderID)
	}
	if f.ReceiverID != "" {
		clauses = append(clauses, "receiver_id = ?")
		args = append(args, f.ReceiverID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// EachTransfer pages through transfers by id so that no connection is held
// while fn runs.
func (s *Store) EachTransfer(ctx context.Context, fn func(ledger.Transfer) error) error {
	var after ledger.TransferID
	for {
		batch, err := s.queryTransfers(ctx,
			"SELECT "+transferColumns+" FROM transfers WHERE id > ? ORDER BY id LIMIT ?", after, eachBatch)
		if err != nil {
			return err
		}
		for _, t := range batch {
			if err := fn(t); err != nil {
				return err
			}
			after = t.ID
		}
		if len(batch) < eachBatch {
			return nil
		}
	}
}

func (s *Store) TransferByIdempotencyKey(ctx context.Context, key string) (ledger.Transfer, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.sender_id, t.receiver_id, t.amount, t.idempotency_key, t.created_at
		FROM idempotency_keys k JOIN transfers t ON t.id = k.transfer_id
		WHERE k.key = ?`, key)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transfer{}, false, nil
	}
	if err != nil {
		return ledger.Transfer{}, false, err
	}
	return t, true, nil
}

func (s *Store) queryTransfers(ctx context.Context, query string, args ...any) ([]ledger.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []ledger.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func scanTransfer(row scanner) (ledger.Transfer, error) {
	var (
		t         ledger.Transfer
		amount    string
		key       sql.NullString
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &amount, &key, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan transfer: %w", err)
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("corrupt amount for transfer %d: %w", t.ID, err)
	}
	t.IdempotencyKey = key.String
	t.CreatedAt, err = parseTime(createdAt)
	return t, err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. ctx bounds the wait for
// the write connection; the transaction itself is not bound to ctx, so it
// ends only by Commit or Rollback.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return lockWaitError(err)
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return lockWaitError(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return lockWaitError(err)
	}
	return nil
}

type txView struct {
	tx *sql.Tx
}

// LockAccounts loads ids in ascending order. The database write lock taken
// by BEGIN IMMEDIATE already excludes every other writer.
func (v *txView) LockAccounts(ctx context.Context, ids ...ledger.AccountID) ([]ledger.Account, error) {
	ordered := ledger.LockOrder(ids)
	accts := make([]ledger.Account, 0, len(ordered))
	for _, id := range ordered {
		a, err := getAccount(ctx, v.tx, id)
		if err != nil {
			return nil, lockWaitError(err)
		}
		accts = append(accts, a)
	}
	return accts, nil
}

func (v *txView) Balance(ctx context.Context, id ledger.AccountID) (decimal.Decimal, error) {
	a, err := getAccount(ctx, v.tx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (v *txView) AdjustBalance(ctx context.Context, id ledger.AccountID, delta decimal.Decimal) error {
	current, err := v.Balance(ctx, id)
	if err != nil {
		return err
	}
	next := ledger.CheckedBalance(id, current, delta)
	_, err = v.tx.ExecContext(ctx, "UPDATE accounts SET balance = ? WHERE id = ?",
		next.StringFixed(ledger.AmountScale), id)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	return nil
}

func (v *txView) SentSince(ctx context.Context, sender ledger.AccountID, since time.Time) (decimal.Decimal, error) {
	rows, err := v.tx.QueryContext(ctx,
		"SELECT amount FROM transfers WHERE sender_id = ? AND created_at >= ?",
		sender, formatTime(since))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transfers: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount: %w", err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (v *txView) AppendTransfer(ctx context.Context, t ledger.Transfer) (ledger.Transfer, error) {
	res, err := v.tx.ExecContext(ctx, `
		INSERT INTO transfers (sender_id, receiver_id, amount, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.SenderID, t.ReceiverID,
		t.Amount.StringFixed(ledger.AmountScale),
		nullString(t.IdempotencyKey),
		formatTime(t.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return t, fmt.Errorf("%w: %q", ledger.ErrDuplicateIdempotencyKey, t.IdempotencyKey)
	}
	if err != nil {
		return t, fmt.Errorf("failed to append transfer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t, err
	}
	t.ID = ledger.TransferID(id)
	return t, nil
}

func (v *txView) InsertIdempotencyKey(ctx context.Context, key string, id ledger.TransferID) (bool, error) {
	res, err := v.tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, transfer_id) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
		key, id)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return t, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// lockWaitError maps waits that ran out of time to the ledger taxonomy.
func lockWaitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ledger.ErrLockTimeout, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}
