package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Meta is the ledger-wide state outside individual records.
type Meta struct {
	LastID       uint64
	LastEventSeq uint64
	Fees         *uint256.Int
}

// Snapshot is everything the ledger needs to rebuild its in-memory state.
type Snapshot struct {
	Meta     Meta
	Records  []*Record // Ascending id
	Consumed []common.Hash
}

// Change is one atomic ledger mutation. Nil fields are left untouched.
// A store must apply a Change entirely or not at all.
type Change struct {
	Meta     *Meta
	Record   *Record
	Consumed []common.Hash
	Payout   *Payout // Inserted, or replaced if the ID exists
	Event    *Event  // Appended to the journal
}

// Store persists ledger state.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, ch *Change) error
	ListPayouts(ctx context.Context, status PayoutStatus, limit int) ([]*Payout, error)
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error)
}
