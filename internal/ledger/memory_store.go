package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex guards all accounts, so Transfer is trivially atomic.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	m.record(acct.ID, EntryOpen, acct.Balance, acct.Balance, "", acct.CreatedAt)
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) Adjust(ctx context.Context, id string, delta int64, reference string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	next, err := applyDelta(acct.Balance, delta)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	acct.Balance = next
	acct.UpdatedAt = now
	m.record(id, EntryAdjust, delta, next, reference, now)

	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.accounts[fromID]
	if !ok {
		return ErrAccountNotFound
	}
	to, ok := m.accounts[toID]
	if !ok {
		return ErrAccountNotFound
	}
	fromAfter, err := applyDelta(from.Balance, -amount)
	if err != nil {
		return err
	}
	toAfter, err := applyDelta(to.Balance, amount)
	if err != nil {
		return err
	}

	now := time.Now()
	from.Balance = fromAfter
	from.UpdatedAt = now
	to.Balance = toAfter
	to.UpdatedAt = now

	m.record(fromID, EntryTransferOut, -amount, from.Balance, reference, now)
	m.record(toID, EntryTransferIn, amount, to.Balance, reference, now)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == id {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// record appends a history entry. Caller must hold m.mu.
func (m *MemoryStore) record(accountID, typ string, amount, after int64, reference string, at time.Time) {
	m.entries = append(m.entries, &Entry{
		ID:           idgen.WithPrefix(idgen.EntryPrefix),
		AccountID:    accountID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: after,
		Reference:    reference,
		CreatedAt:    at,
	})
}
