// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/transfer-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state in maps guarded by mu. Units of work buffer
// their writes and apply them in one critical section at commit, so readers
// never see a partially applied transfer. Account locks are per id, so
// transfers on disjoint accounts run in parallel.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[ledger.AccountID]ledger.Account
	transfers []ledger.Transfer // ascending ID
	bySender  map[ledger.AccountID][]ledger.TransferID
	keys      map[string]ledger.TransferID
	reserved  map[string]bool // keys claimed by units not yet committed
	nextID    ledger.TransferID

	locks *accountLocks
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		bySender: make(map[ledger.AccountID][]ledger.TransferID),
		keys:     make(map[string]ledger.TransferID),
		reserved: make(map[string]bool),
		locks:    newAccountLocks(),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acct.ID)
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, &ledger.AccountNotFoundError{AccountID: id}
	}
	return acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// TRANSFERS (read side)
// =============================================================================

func (m *Memory) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transferLocked(id)
	if !ok {
		return ledger.Transfer{}, fmt.Errorf("%w: %d", ledger.ErrTransferNotFound, id)
	}
	return t, nil
}

func (m *Memory) transferLocked(id ledger.TransferID) (ledger.Transfer, bool) {
	i := sort.Search(len(m.transfers), func(i int) bool { return m.transfers[i].ID >= id })
	if i < len(m.transfers) && m.transfers[i].ID == id {
		return m.transfers[i], true
	}
	return ledger.Transfer{}, false
}

func (m *Memory) ListTransfers(_ context.Context, filter ledger.TransferFilter) (ledger.TransferPage, error) {
	m.mu.RLock()
	var matched []ledger.Transfer
	for _, t := range m.transfers {
		if filter.Matches(t) {
			matched = append(matched, t)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := ledger.TransferPage{Total: len(matched)}
	if filter.Offset >= len(matched) {
		page.Transfers = []ledger.Transfer{}
		return page, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	page.Transfers = matched
	return page, nil
}

func (m *Memory) EachTransfer(ctx context.Context, fn func(ledger.Transfer) error) error {
	m.mu.RLock()
	snapshot := append([]ledger.Transfer(nil), m.transfers...)
	m.mu.RUnlock()

	for _, t := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) TransferByIdempotencyKey(_ context.Context, key string) (ledger.Transfer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok {
		return ledger.Transfer{}, false, nil
	}
	t, ok := m.transferLocked(id)
	return t, ok, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a unit of work. Writes are buffered in the view
// and applied atomically when fn returns nil. Locks and key reservations are
// released on every exit path, including a panic in fn.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	view := &memoryTx{
		parent: m,
		held:   make(map[ledger.AccountID]bool),
		deltas: make(map[ledger.AccountID]decimal.Decimal),
		keys:   make(map[string]ledger.TransferID),
	}
	defer view.release()

	if err := fn(view); err != nil {
		return err
	}
	m.commit(view)
	return nil
}

func (m *Memory) commit(view *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, delta := range view.deltas {
		acct := m.accounts[id]
		acct.Balance = acct.Balance.Add(delta)
		m.accounts[id] = acct
	}
	for _, t := range view.appended {
		m.insertLocked(t)
	}
	for key, id := range view.keys {
		delete(m.reserved, key)
		m.keys[key] = id
	}
	view.committed = true
}

// insertLocked keeps transfers sorted by ID. IDs are handed out at append
// time, so units can commit slightly out of ID order.
func (m *Memory) insertLocked(t ledger.Transfer) {
	i := sort.Search(len(m.transfers), func(i int) bool { return m.transfers[i].ID > t.ID })
	m.transfers = append(m.transfers, ledger.Transfer{})
	copy(m.transfers[i+1:], m.transfers[i:])
	m.transfers[i] = t
	m.bySender[t.SenderID] = append(m.bySender[t.SenderID], t.ID)
}

type memoryTx struct {
	parent    *Memory
	order     []ledger.AccountID
	held      map[ledger.AccountID]bool
	deltas    map[ledger.AccountID]decimal.Decimal
	appended  []ledger.Transfer
	keys      map[string]ledger.TransferID
	committed bool
}

func (tv *memoryTx) release() {
	if !tv.committed && len(tv.keys) > 0 {
		tv.parent.mu.Lock()
		for key := range tv.keys {
			delete(tv.parent.reserved, key)
		}
		tv.parent.mu.Unlock()
	}
	for i := len(tv.order) - 1; i >= 0; i-- {
		tv.parent.locks.release(tv.order[i])
	}
	tv.order = nil
}

func (tv *memoryTx) LockAccounts(ctx context.Context, ids ...ledger.AccountID) ([]ledger.Account, error) {
	ordered := ledger.LockOrder(ids)
	accts := make([]ledger.Account, 0, len(ordered))
	for _, id := range ordered {
		if !tv.held[id] {
			if err := tv.parent.locks.acquire(ctx, id); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return nil, fmt.Errorf("%w: account %s: %w", ledger.ErrLockTimeout, id, err)
				}
				return nil, err
			}
			tv.held[id] = true
			tv.order = append(tv.order, id)
		}
		acct, err := tv.parent.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		acct.Balance = acct.Balance.Add(tv.deltas[id])
		accts = append(accts, acct)
	}
	return accts, nil
}

func (tv *memoryTx) Balance(ctx context.Context, id ledger.AccountID) (decimal.Decimal, error) {
	if !tv.held[id] {
		return decimal.Zero, fmt.Errorf("balance of %s read without lock", id)
	}
	acct, err := tv.parent.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance.Add(tv.deltas[id]), nil
}

func (tv *memoryTx) AdjustBalance(ctx context.Context, id ledger.AccountID, delta decimal.Decimal) error {
	current, err := tv.Balance(ctx, id)
	if err != nil {
		return err
	}
	ledger.CheckedBalance(id, current, delta)
	tv.deltas[id] = tv.deltas[id].Add(delta)
	return nil
}

func (tv *memoryTx) SentSince(_ context.Context, sender ledger.AccountID, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	tv.parent.mu.RLock()
	for _, id := range tv.parent.bySender[sender] {
		if t, ok := tv.parent.transferLocked(id); ok && !t.CreatedAt.Before(since) {
			total = total.Add(t.Amount)
		}
	}
	tv.parent.mu.RUnlock()
	for _, t := range tv.appended {
		if t.SenderID == sender && !t.CreatedAt.Before(since) {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (tv *memoryTx) AppendTransfer(_ context.Context, t ledger.Transfer) (ledger.Transfer, error) {
	tv.parent.mu.Lock()
	tv.parent.nextID++
	t.ID = tv.parent.nextID
	tv.parent.mu.Unlock()

	tv.appended = append(tv.appended, t)
	return t, nil
}

func (tv *memoryTx) InsertIdempotencyKey(_ context.Context, key string, id ledger.TransferID) (bool, error) {
	tv.parent.mu.Lock()
	defer tv.parent.mu.Unlock()
	if _, ok := tv.parent.keys[key]; ok || tv.parent.reserved[key] {
		return false, nil
	}
	tv.parent.reserved[key] = true
	tv.keys[key] = id
	return true, nil
}
