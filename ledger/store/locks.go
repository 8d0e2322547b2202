package store

import (
	"context"
	"sync"

	"github.com/warp/transfer-ledger/ledger"
)

// =============================================================================
// ACCOUNT LOCKS - One exclusive lock per account id
// =============================================================================

// accountLocks hands out per-account semaphores. A held lock is a token in
// the account's buffered channel; waiting respects ctx.
type accountLocks struct {
	mu    sync.Mutex
	slots map[ledger.AccountID]chan struct{}
}

func newAccountLocks() *accountLocks {
	return &accountLocks{slots: make(map[ledger.AccountID]chan struct{})}
}

func (l *accountLocks) slot(id ledger.AccountID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[id] = s
	}
	return s
}

// acquire blocks until id is locked or ctx is done.
func (l *accountLocks) acquire(ctx context.Context, id ledger.AccountID) error {
	s := l.slot(id)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *accountLocks) release(id ledger.AccountID) {
	<-l.slot(id)
}
