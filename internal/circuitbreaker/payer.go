package circuitbreaker

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/escrow"
)

// Payer fails payouts fast while the wrapped payer keeps failing. The ledger
// records a rejected payout as failed like any other payout error.
type Payer struct {
	next    escrow.Payer
	breaker *Breaker
}

// NewPayer wraps next with b.
func NewPayer(next escrow.Payer, b *Breaker) *Payer {
	return &Payer{next: next, breaker: b}
}

// Pay implements escrow.Payer.
func (p *Payer) Pay(ctx context.Context, to common.Address, amt *uint256.Int, ref string) (string, error) {
	var txRef string
	err := p.breaker.Do(func() error {
		var err error
		txRef, err = p.next.Pay(ctx, to, amt, ref)
		return err
	})
	return txRef, err
}

// Breaker returns the breaker guarding the payer.
func (p *Payer) Breaker() *Breaker { return p.breaker }
