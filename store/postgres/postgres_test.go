package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
	"github.com/warp/transfer-ledger/ledger/ledgertest"
)

// newTestStore connects to LEDGER_TEST_POSTGRES_URL and empties the schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := New(ctx, url)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, "TRUNCATE idempotency_keys, transfers, accounts RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestTransferWhere(t *testing.T) {
	where, args := transferWhere(ledger.TransferFilter{AccountID: "A", ReceiverID: "B", Since: ledgertest.Epoch})
	assert.Equal(t, " WHERE (sender_id = $1 OR receiver_id = $1) AND receiver_id = $2 AND created_at >= $3", where)
	assert.Len(t, args, 3)

	where, args = transferWhere(ledger.TransferFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate account", &pgconn.PgError{Code: "23505", ConstraintName: "accounts_pkey"}, ledger.ErrAccountExists},
		{"duplicate key", &pgconn.PgError{Code: "23505", ConstraintName: "idempotency_keys_pkey"}, ledger.ErrDuplicateIdempotencyKey},
		{"missing account", &pgconn.PgError{Code: "23503"}, ledger.ErrAccountNotFound},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ledger.ErrLockTimeout},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ledger.ErrConflict},
		{"serialization", &pgconn.PgError{Code: "40001"}, ledger.ErrConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tc.err), tc.want)
		})
	}

	plain := errors.New("boom")
	assert.Equal(t, plain, mapError(plain))
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, lockWaitError(context.DeadlineExceeded), ledger.ErrLockTimeout)
}
