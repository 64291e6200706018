package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	meta     Meta
	records  map[uint64]*Record
	consumed map[common.Hash]struct{}
	payouts  map[string]*Payout
	order    []string // payout ids in insertion order
	events   []*Event

	// failNext makes the next Commit fail; used by tests.
	failNext error
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta:     Meta{Fees: new(uint256.Int)},
		records:  make(map[uint64]*Record),
		consumed: make(map[common.Hash]struct{}),
		payouts:  make(map[string]*Payout),
	}
}

func (m *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Meta: Meta{
			LastID:       m.meta.LastID,
			LastEventSeq: m.meta.LastEventSeq,
			Fees:         new(uint256.Int).Set(m.meta.Fees),
		},
	}
	for _, r := range m.records {
		snap.Records = append(snap.Records, r.clone())
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	for d := range m.consumed {
		snap.Consumed = append(snap.Consumed, d)
	}
	return snap, nil
}

func (m *MemoryStore) Commit(ctx context.Context, ch *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}

	if ch.Meta != nil {
		m.meta = Meta{
			LastID:       ch.Meta.LastID,
			LastEventSeq: ch.Meta.LastEventSeq,
			Fees:         new(uint256.Int).Set(ch.Meta.Fees),
		}
	}
	if ch.Record != nil {
		m.records[ch.Record.ID] = ch.Record.clone()
	}
	for _, d := range ch.Consumed {
		m.consumed[d] = struct{}{}
	}
	if ch.Payout != nil {
		if _, ok := m.payouts[ch.Payout.ID]; !ok {
			m.order = append(m.order, ch.Payout.ID)
		}
		m.payouts[ch.Payout.ID] = ch.Payout.clone()
	}
	if ch.Event != nil {
		ev := *ch.Event
		m.events = append(m.events, &ev)
	}
	return nil
}

// FailNextCommit makes the next Commit return err without applying anything.
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) ListPayouts(ctx context.Context, status PayoutStatus, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, id := range m.order {
		p := m.payouts[id]
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, p.clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Journal is in seq order
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > afterSeq })

	var result []*Event
	for ; i < len(m.events) && len(result) < limit; i++ {
		ev := *m.events[i]
		result = append(result, &ev)
	}
	return result, nil
}
