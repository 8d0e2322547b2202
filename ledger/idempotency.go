package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// IDEMPOTENCY INDEX
// =============================================================================

// IdempotencyIndex maps caller-supplied keys to committed transfers.
//
// Lookup is a cheap, possibly stale pre-check. InsertIfAbsent runs inside the
// atomic unit and is backed by a storage uniqueness constraint, so two
// concurrent attempts with the same key can never both commit.
// An empty key bypasses the index entirely.
type IdempotencyIndex struct {
	Store Store
}

func NewIdempotencyIndex(store Store) *IdempotencyIndex {
	return &IdempotencyIndex{Store: store}
}

// Lookup returns the committed transfer bound to key, if any.
func (ix *IdempotencyIndex) Lookup(ctx context.Context, key string) (Transfer, bool, error) {
	if key == "" {
		return Transfer{}, false, nil
	}
	t, ok, err := ix.Store.TransferByIdempotencyKey(ctx, key)
	if err != nil {
		return Transfer{}, false, Fail("idempotency lookup", err)
	}
	return t, ok, nil
}

// InsertIfAbsent binds key to id within tx. It returns
// ErrDuplicateIdempotencyKey when the key is already bound, which must abort tx.
func (ix *IdempotencyIndex) InsertIfAbsent(ctx context.Context, tx Tx, key string, id TransferID) error {
	if key == "" {
		return nil
	}
	inserted, err := tx.InsertIdempotencyKey(ctx, key, id)
	if err != nil {
		return Fail("idempotency insert", err)
	}
	if !inserted {
		return fmt.Errorf("%w: %q", ErrDuplicateIdempotencyKey, key)
	}
	return nil
}
