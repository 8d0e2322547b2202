/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Multi-writer store. Unlike SQLite, transfers on disjoint accounts commit in
  parallel: LockAccounts takes row locks with SELECT ... FOR UPDATE in
  ascending id order, so opposite-direction transfers cannot deadlock.

LOCK WAITS:
  The ctx passed to WithTx bounds both the pool acquire and the row lock
  waits. Its remaining time is also installed as SET LOCAL lock_timeout, so
  the server gives up at the same moment (SQLSTATE 55P03).

MONEY AND TIME:
  NUMERIC(15,2) columns. Values cross the wire as text so no float ever
  touches an amount. TIMESTAMPTZ has microsecond precision; appended
  transfers are truncated to it before insert.

SEE ALSO:
  - store/sqlite/sqlite.go: Single-writer implementation
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/transfer-ledger/ledger"
)

const eachBatch = 500

type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		initial_balance NUMERIC(15,2) NOT NULL CHECK (initial_balance >= 0),
		balance NUMERIC(15,2) NOT NULL CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfers (
		id BIGSERIAL PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		receiver_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		amount NUMERIC(15,2) NOT NULL CHECK (amount > 0),
		idempotency_key VARCHAR(64) UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK (sender_id <> receiver_id)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_sender_created ON transfers(sender_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transfers_receiver ON transfers(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_created ON transfers(created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key VARCHAR(64) PRIMARY KEY,
		transfer_id BIGINT NOT NULL UNIQUE REFERENCES transfers(id) ON DELETE CASCADE
	);
	`)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = "id, name, initial_balance::text, balance::text, created_at"

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, name, initial_balance, balance, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5)`,
		string(acct.ID), acct.Name,
		acct.InitialBalance.StringFixed(ledger.AmountScale),
		acct.Balance.StringFixed(ledger.AmountScale),
		acct.CreatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.pool, id, "")
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
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

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID, suffix string) (ledger.Account, error) {
	row := q.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1"+suffix, string(id))
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, &ledger.AccountNotFoundError{AccountID: id}
	}
	return a, err
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                ledger.Account
		id               string
		initial, balance string
	)
	if err := row.Scan(&id, &a.Name, &initial, &balance, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", mapError(err))
	}
	a.ID = ledger.AccountID(id)
	var err error
	if a.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return a, err
	}
	a.Balance, err = decimal.NewFromString(balance)
	return a, err
}

// =============================================================================
// TRANSFERS (read side)
// =============================================================================

const transferColumns = "id, sender_id, receiver_id, amount::text, idempotency_key, created_at"

func (s *Store) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", int64(id))
	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transfer{}, fmt.Errorf("%w: %d", ledger.ErrTransferNotFound, id)
	}
	return t, err
}

func (s *Store) ListTransfers(ctx context.Context, filter ledger.TransferFilter) (ledger.TransferPage, error) {
	where, args := transferWhere(filter)

	var (
		page  ledger.TransferPage
		total int64
	)
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM transfers"+where, args...).Scan(&total); err != nil {
		return page, fmt.Errorf("failed to count transfers: %w", err)
	}
	page.Total = int(total)

	var limit any // NULL means no limit
	if filter.Limit > 0 {
		limit = int64(filter.Limit)
	}
	n := len(args)
	query := fmt.Sprintf("SELECT %s FROM transfers%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		transferColumns, where, n+1, n+2)
	transfers, err := s.queryTransfers(ctx, query, append(args, limit, int64(filter.Offset))...)
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
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.AccountID != "" {
		add("(sender_id = ? OR receiver_id = ?)", string(f.AccountID))
	}
	if f.SenderID != "" {
		add("sender_id = ?", string(f.SenderID))
	}
	if f.ReceiverID != "" {
		add("receiver_id = ?", string(f.ReceiverID))
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < ?", f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) EachTransfer(ctx context.Context, fn func(ledger.Transfer) error) error {
	var after int64
	for {
		batch, err := s.queryTransfers(ctx,
			"SELECT "+transferColumns+" FROM transfers WHERE id > $1 ORDER BY id LIMIT $2", after, eachBatch)
		if err != nil {
			return err
		}
		for _, t := range batch {
			if err := fn(t); err != nil {
				return err
			}
			after = int64(t.ID)
		}
		if len(batch) < eachBatch {
			return nil
		}
	}
}

func (s *Store) TransferByIdempotencyKey(ctx context.Context, key string) (ledger.Transfer, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT t.id, t.sender_id, t.receiver_id, t.amount::text, t.idempotency_key, t.created_at
		FROM idempotency_keys k JOIN transfers t ON t.id = k.transfer_id
		WHERE k.key = $1`, key)
	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transfer{}, false, nil
	}
	if err != nil {
		return ledger.Transfer{}, false, err
	}
	return t, true, nil
}

func (s *Store) queryTransfers(ctx context.Context, query string, args ...any) ([]ledger.Transfer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanTransfer(row pgx.Row) (ledger.Transfer, error) {
	var (
		t                ledger.Transfer
		id               int64
		sender, receiver string
		amount           string
		key              *string
	)
	if err := row.Scan(&id, &sender, &receiver, &amount, &key, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan transfer: %w", mapError(err))
	}
	t.ID = ledger.TransferID(id)
	t.SenderID = ledger.AccountID(sender)
	t.ReceiverID = ledger.AccountID(receiver)
	if key != nil {
		t.IdempotencyKey = *key
	}
	var err error
	t.Amount, err = decimal.NewFromString(amount)
	return t, err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction on a dedicated connection.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return lockWaitError(err)
	}
	defer conn.Release()

	detached := context.WithoutCancel(ctx)
	tx, err := conn.BeginTx(detached, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(detached)

	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.Exec(detached, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return mapError(err)
		}
	}

	if err := fn(&txView{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(detached); err != nil {
		return mapError(err)
	}
	return nil
}

type txView struct {
	tx pgx.Tx
}

func (v *txView) LockAccounts(ctx context.Context, ids ...ledger.AccountID) ([]ledger.Account, error) {
	ordered := ledger.LockOrder(ids)
	accts := make([]ledger.Account, 0, len(ordered))
	for _, id := range ordered {
		a, err := getAccount(ctx, v.tx, id, " FOR UPDATE")
		if err != nil {
			return nil, lockWaitError(err)
		}
		accts = append(accts, a)
	}
	return accts, nil
}

func (v *txView) Balance(ctx context.Context, id ledger.AccountID) (decimal.Decimal, error) {
	a, err := getAccount(ctx, v.tx, id, "")
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
	_, err = v.tx.Exec(ctx, "UPDATE accounts SET balance = $1::numeric WHERE id = $2",
		next.StringFixed(ledger.AmountScale), string(id))
	return mapError(err)
}

func (v *txView) SentSince(ctx context.Context, sender ledger.AccountID, since time.Time) (decimal.Decimal, error) {
	var total string
	err := v.tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0)::text FROM transfers WHERE sender_id = $1 AND created_at >= $2",
		string(sender), since).Scan(&total)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	return decimal.NewFromString(total)
}

func (v *txView) AppendTransfer(ctx context.Context, t ledger.Transfer) (ledger.Transfer, error) {
	t.CreatedAt = t.CreatedAt.Truncate(time.Microsecond)
	var key *string
	if t.IdempotencyKey != "" {
		key = &t.IdempotencyKey
	}
	var id int64
	err := v.tx.QueryRow(ctx, `
		INSERT INTO transfers (sender_id, receiver_id, amount, idempotency_key, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		RETURNING id`,
		string(t.SenderID), string(t.ReceiverID),
		t.Amount.StringFixed(ledger.AmountScale), key, t.CreatedAt,
	).Scan(&id)
	if err != nil {
		return t, mapError(err)
	}
	t.ID = ledger.TransferID(id)
	return t, nil
}

func (v *txView) InsertIdempotencyKey(ctx context.Context, key string, id ledger.TransferID) (bool, error) {
	tag, err := v.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, transfer_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		key, int64(id))
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateLockNotAvailable    = "55P03"
	sqlStateDeadlockDetected    = "40P01"
	sqlStateSerialization       = "40001"
)

// mapError translates driver errors into the ledger taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateUniqueViolation:
		if pgErr.ConstraintName == "accounts_pkey" {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, pgErr.Detail)
	case sqlStateForeignKeyViolation:
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, pgErr.Detail)
	case sqlStateLockNotAvailable:
		return fmt.Errorf("%w: %w", ledger.ErrLockTimeout, err)
	case sqlStateDeadlockDetected, sqlStateSerialization:
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	}
	return err
}

// lockWaitError maps a wait that ran out of time to ErrLockTimeout.
func lockWaitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ledger.ErrLockTimeout, err)
	}
	return mapError(err)
}
