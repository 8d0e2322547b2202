package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
	"github.com/warp/transfer-ledger/ledger/ledgertest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_FileDatabaseSurvivesReopen(t *testing.T) {
	// GIVEN: A file-backed ledger with one transfer
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := New(path)
	require.NoError(t, err)
	f := ledgertest.NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")
	first, err := f.SendKey("A", "B", "25.50", "persisted")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: Reopening the same file
	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	f = ledgertest.NewFixture(t, reopened, "5000")

	// THEN: Balances, the transfer and its key are all there
	f.RequireBalance(t, "A", "74.50")
	again, err := f.SendKey("A", "B", "25.50", "persisted")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transfer.ID, again.Transfer.ID)
}

func TestSQLiteStore_TimestampsSortAsText(t *testing.T) {
	// Nanosecond precision and zone must not break lexical order
	a := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	b := a.Add(time.Nanosecond)
	c := time.Date(2025, 3, 10, 14, 0, 0, 1, time.FixedZone("UTC+2", 2*3600)) // 12:00:00.000000001Z
	assert.Less(t, formatTime(a), formatTime(b))
	assert.Equal(t, formatTime(b), formatTime(c))

	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func TestSQLiteStore_SchemaRejectsNegativeBalance(t *testing.T) {
	store := newTestStore(t)
	_, err := store.db.Exec(
		"INSERT INTO accounts (id, initial_balance, balance, created_at) VALUES ('neg', '0', '-1', ?)",
		formatTime(time.Now()))
	assert.Error(t, err)
}

func TestSQLiteStore_SchemaRejectsSelfTransfer(t *testing.T) {
	store := newTestStore(t)
	f := ledgertest.NewFixture(t, store, "5000")
	f.Open(t, "A", "100")

	_, err := store.db.Exec(
		"INSERT INTO transfers (sender_id, receiver_id, amount, created_at) VALUES ('A', 'A', '1.00', ?)",
		formatTime(time.Now()))
	assert.Error(t, err)
}

func TestSQLiteStore_DuplicateKeyOnAppend(t *testing.T) {
	// GIVEN: A committed transfer carrying key k
	store := newTestStore(t)
	f := ledgertest.NewFixture(t, store, "5000")
	f.Open(t, "A", "100")
	f.Open(t, "B", "0")
	_, err := f.SendKey("A", "B", "1", "k")
	require.NoError(t, err)
	ctx := context.Background()

	// WHEN: A unit appends another transfer with the same key
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AppendTransfer(ctx, ledger.Transfer{
			SenderID: "A", ReceiverID: "B", Amount: ledgertest.Dec("1"), IdempotencyKey: "k", CreatedAt: ledgertest.Epoch,
		})
		return err
	})

	// THEN: The unique constraint is reported as a duplicate key
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestIsUniqueConstraintError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := ledger.Account{ID: "dup", InitialBalance: ledgertest.Dec("1"), Balance: ledgertest.Dec("1"), CreatedAt: time.Now()}
	require.NoError(t, store.CreateAccount(ctx, acct))

	err := store.CreateAccount(ctx, acct)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
	assert.False(t, isUniqueConstraintError(nil))
}
