// Package reconciliation checks that the custody account backing payouts
// holds at least what the ledger owes.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/amount"
)

// HoldingsSource reports what the ledger currently owes: unclaimed net
// amounts plus uncollected fees.
type HoldingsSource interface {
	Holdings(ctx context.Context) *uint256.Int
}

// CustodySource reports the balance of the account payouts are sent from.
type CustodySource interface {
	Balance(ctx context.Context) (*uint256.Int, error)
}

// Result is the outcome of one check. Amounts are decimal token strings.
type Result struct {
	Solvent   bool      `json:"solvent"`
	Custody   string    `json:"custody"`
	Holdings  string    `json:"holdings"`
	Surplus   string    `json:"surplus"`
	Shortfall string    `json:"shortfall"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Service compares custody against holdings.
type Service struct {
	ledger    HoldingsSource
	custody   CustodySource
	tolerance *uint256.Int
	now       func() time.Time
}

// NewService creates a reconciliation service with zero tolerance.
func NewService(ledger HoldingsSource, custody CustodySource) *Service {
	return &Service{
		ledger:    ledger,
		custody:   custody,
		tolerance: new(uint256.Int),
		now:       time.Now,
	}
}

// SetTolerance sets the shortfall still reported as solvent, for example to
// absorb gas already spent on in-flight payouts.
func (s *Service) SetTolerance(t *uint256.Int) {
	if t != nil {
		s.tolerance = new(uint256.Int).Set(t)
	}
}

// Check reads both sides and compares them.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	start := s.now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	custody, err := s.custody.Balance(ctx)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}
	holdings := s.ledger.Holdings(ctx)

	surplus, shortfall := new(uint256.Int), new(uint256.Int)
	if custody.Cmp(holdings) >= 0 {
		surplus.Sub(custody, holdings)
	} else {
		shortfall.Sub(holdings, custody)
	}
	shortfallTokens.Set(amount.Float64(shortfall))

	return &Result{
		Solvent:   shortfall.Cmp(s.tolerance) <= 0,
		Custody:   amount.Format(custody),
		Holdings:  amount.Format(holdings),
		Surplus:   amount.Format(surplus),
		Shortfall: amount.Format(shortfall),
		CheckedAt: start,
	}, nil
}
