// Package escrow implements the bounty escrow ledger.
//
// Flow:
//  1. Requester creates a bounty → deposit collected, 5% fee held by the ledger
//  2. An authorizer signs (id, submitter, beneficiary, reference) off-chain
//  3. The signature is attached → early claim unlocked
//  4. Beneficiary claims → net amount paid out (or after expiry without authorization)
//  5. Beneficiary disputes → record frozen until the arbitrator resolves it
//     to the beneficiary or to the treasury
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/amount"
)

var (
	ErrBelowMinimumDeposit = errors.New("deposit below minimum")
	ErrInvalidReference    = errors.New("invalid reference")
	ErrInvalidDuration     = errors.New("duration below minimum")
	ErrUnknownRecord       = errors.New("bounty not found")
	ErrExpired             = errors.New("bounty expired")
	ErrAlreadyAuthorized   = errors.New("bounty already authorized")
	ErrSignatureReplayed   = errors.New("authorization signature already consumed")
	ErrInvalidSignature    = errors.New("invalid authorization signature")
	ErrNotBeneficiary      = errors.New("caller is not the beneficiary")
	ErrAlreadyClaimed      = errors.New("bounty already claimed")
	ErrNotReady            = errors.New("bounty neither authorized nor expired")
	ErrDisputed            = errors.New("bounty is under dispute")
	ErrAlreadyDisputed     = errors.New("bounty already disputed")
	ErrNotDisputed         = errors.New("bounty is not disputed")
	ErrNotArbitrator       = errors.New("caller is not the arbitrator")
	ErrNoFeesAvailable     = errors.New("no fees available")
	ErrDepositRejected     = errors.New("deposit could not be collected")
)

// FeePercent is the protocol fee deducted from every deposit.
const FeePercent = 5

// MaxReferenceLength bounds the opaque content reference.
const MaxReferenceLength = 512

// DefaultMinDuration is the shortest allowed bounty window.
const DefaultMinDuration = time.Hour

// DefaultMinDeposit is 0.001 tokens.
var DefaultMinDeposit = amount.MustParse("0.001")

// Resolution describes how a claimed bounty was closed.
type Resolution string

const (
	ResolutionClaimed             Resolution = "claimed"
	ResolutionClaimedAfterExpiry  Resolution = "claimed_after_expiry"
	ResolutionResolvedBeneficiary Resolution = "resolved_beneficiary"
	ResolutionResolvedTreasury    Resolution = "resolved_treasury"
)

// Record is a single escrowed bounty.
type Record struct {
	ID            uint64
	Beneficiary   common.Address
	NetAmount     *uint256.Int
	Fee           *uint256.Int
	Claimed       bool
	Disputed      bool
	Reference     string
	Authorization []byte
	AuthorizedBy  common.Address
	Submitter     common.Address
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ClaimedAt     *time.Time
	Resolution    Resolution
}

// Authorized reports whether an authorization has been attached.
func (r *Record) Authorized() bool {
	return len(r.Authorization) > 0
}

// ExpiredAt reports whether the record's window has closed at now.
func (r *Record) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// State is a derived, display-only summary of the record flags.
func (r *Record) State(now time.Time) string {
	switch {
	case r.Claimed:
		return "claimed"
	case r.Disputed:
		return "disputed"
	case r.ExpiredAt(now):
		return "expired"
	case r.Authorized():
		return "authorized"
	default:
		return "open"
	}
}

func (r *Record) clone() *Record {
	c := *r
	c.NetAmount = new(uint256.Int).Set(r.NetAmount)
	c.Fee = new(uint256.Int).Set(r.Fee)
	if r.Authorization != nil {
		c.Authorization = append([]byte(nil), r.Authorization...)
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

// Params configures the ledger's privileged identities and limits.
type Params struct {
	Arbitrator  common.Address
	Treasury    common.Address
	Authorizers []common.Address
	MinDeposit  *uint256.Int
	MinDuration time.Duration
}

func (p *Params) validate() error {
	if p.Arbitrator == (common.Address{}) {
		return errors.New("escrow: arbitrator address is required")
	}
	if len(p.Authorizers) == 0 {
		return errors.New("escrow: at least one authorizer is required")
	}
	if p.Treasury == (common.Address{}) {
		p.Treasury = p.Arbitrator
	}
	if p.MinDeposit == nil || p.MinDeposit.IsZero() {
		p.MinDeposit = new(uint256.Int).Set(DefaultMinDeposit)
	}
	if p.MinDuration <= 0 {
		p.MinDuration = DefaultMinDuration
	}
	return nil
}

// CreateRequest contains the parameters for creating a bounty.
type CreateRequest struct {
	Amount    *uint256.Int
	Reference string
	Duration  time.Duration
}

// Stats summarises the ledger.
type Stats struct {
	Total            int
	Open             int
	Authorized       int
	Disputed         int
	ExpiredUnclaimed int
	Claimed          int
	Holdings         *uint256.Int
	Fees             *uint256.Int
}

// SplitDeposit returns the fee (deposit*FeePercent/100, truncated) and the
// net amount for a deposit. The product is split around 100 so it cannot
// overflow 256 bits.
func SplitDeposit(deposit *uint256.Int) (fee, net *uint256.Int) {
	hundred := uint256.NewInt(100)
	pct := uint256.NewInt(FeePercent)

	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(deposit, hundred, r)

	fee = new(uint256.Int).Mul(q, pct)
	rest := new(uint256.Int).Mul(r, pct)
	fee.Add(fee, rest.Div(rest, hundred))

	net = new(uint256.Int).Sub(deposit, fee)
	return fee, net
}

// PayoutError reports a payout that failed after its state change was
// committed. The record stays claimed; the payout is left failed for manual
// resolution.
type PayoutError struct {
	Payout *Payout
	Err    error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout %s of %s to %s failed: %v",
		e.Payout.ID, amount.Format(e.Payout.Amount), e.Payout.To.Hex(), e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }
