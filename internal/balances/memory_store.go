package balances

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryStore is an in-memory balance store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*Balance
	entries  []*Entry
	refs     map[EntryType]map[string]struct{}
}

// NewMemoryStore creates a new in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*Balance),
		refs:     make(map[EntryType]map[string]struct{}),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[addr]; ok {
		return bal.clone(), nil
	}
	return zeroBalance(addr), nil
}

func (m *MemoryStore) Apply(ctx context.Context, e *Entry) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.refs[e.Type][e.Reference]; dup {
		return nil, ErrDuplicateEntry
	}

	cur, ok := m.balances[e.Address]
	if !ok {
		cur = zeroBalance(e.Address)
	}
	next, err := cur.apply(e)
	if err != nil {
		return nil, err
	}

	m.balances[e.Address] = next
	cp := *e
	cp.Amount = new(uint256.Int).Set(e.Amount)
	m.entries = append(m.entries, &cp)
	if m.refs[e.Type] == nil {
		m.refs[e.Type] = make(map[string]struct{})
	}
	m.refs[e.Type][e.Reference] = struct{}{}
	return next.clone(), nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if e := m.entries[i]; e.Address == addr {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}
