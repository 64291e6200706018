package escrow

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PayoutKind identifies why value left the ledger.
type PayoutKind string

const (
	PayoutClaim   PayoutKind = "claim"
	PayoutResolve PayoutKind = "resolve"
	PayoutFees    PayoutKind = "fees"
)

// PayoutStatus tracks a payout intent through execution.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending" // Committed with the state change, not yet executed
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed" // Needs manual resolution
)

// Payout is the intent to transfer value out of the ledger. It is committed
// together with the state change that owes it and executed afterwards.
type Payout struct {
	ID        string
	BountyID  uint64 // 0 for fee sweeps
	Kind      PayoutKind
	To        common.Address
	Amount    *uint256.Int
	Status    PayoutStatus
	TxRef     string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Payout) clone() *Payout {
	c := *p
	c.Amount = new(uint256.Int).Set(p.Amount)
	return &c
}

// Payer moves value out of the ledger. Implementations must not assume the
// ledger lock is held; they may call back into the ledger.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amt *uint256.Int, ref string) (txRef string, err error)
}

// Funder collects deposits from requesters. Return undoes a Collect when the
// bounty could not be committed.
type Funder interface {
	Collect(ctx context.Context, from common.Address, amt *uint256.Int, ref string) error
	Return(ctx context.Context, to common.Address, amt *uint256.Int, ref string) error
}
