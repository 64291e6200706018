// Package balances keeps internal token balances for ledger participants.
//
// Flow:
//  1. Operator credits a deposit (admin API) → available balance
//  2. Creating a bounty collects the deposit → available moves to escrowed
//  3. Claims, resolutions and fee sweeps pay out → available balance of the
//     recipient
//
// The Book implements the escrow ledger's Funder and Payer, so the whole
// flow can run without a chain.
package balances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateEntry      = errors.New("entry already recorded")
	ErrInvalidReference    = errors.New("reference is required")
	ErrUnknownEntryType    = errors.New("unknown entry type")
)

// EntryType names a balance movement.
type EntryType string

const (
	EntryDeposit      EntryType = "deposit"       // available += a, deposited += a
	EntryEscrow       EntryType = "escrow"        // available -= a, escrowed += a
	EntryEscrowReturn EntryType = "escrow_return" // available += a, escrowed -= a
	EntryPayout       EntryType = "payout"        // available += a, received += a
)

// Entry is one movement. (Type, Reference) is unique, so replays of the
// same deposit, collection or payout are rejected.
type Entry struct {
	ID        string
	Address   common.Address
	Type      EntryType
	Amount    *uint256.Int
	Reference string
	CreatedAt time.Time
}

// Balance is an address's internal account.
type Balance struct {
	Address   common.Address
	Available *uint256.Int
	Deposited *uint256.Int // lifetime operator deposits
	Escrowed  *uint256.Int // lifetime deposits into bounties, net of returns
	Received  *uint256.Int // lifetime payouts
	UpdatedAt time.Time
}

func zeroBalance(addr common.Address) *Balance {
	return &Balance{
		Address:   addr,
		Available: new(uint256.Int),
		Deposited: new(uint256.Int),
		Escrowed:  new(uint256.Int),
		Received:  new(uint256.Int),
	}
}

func (b *Balance) clone() *Balance {
	return &Balance{
		Address:   b.Address,
		Available: new(uint256.Int).Set(b.Available),
		Deposited: new(uint256.Int).Set(b.Deposited),
		Escrowed:  new(uint256.Int).Set(b.Escrowed),
		Received:  new(uint256.Int).Set(b.Received),
		UpdatedAt: b.UpdatedAt,
	}
}

// apply returns the balance after e, or an error if e cannot apply.
func (b *Balance) apply(e *Entry) (*Balance, error) {
	next := b.clone()
	a := e.Amount
	switch e.Type {
	case EntryDeposit:
		next.Available.Add(next.Available, a)
		next.Deposited.Add(next.Deposited, a)
	case EntryEscrow:
		if next.Available.Lt(a) {
			return nil, ErrInsufficientBalance
		}
		next.Available.Sub(next.Available, a)
		next.Escrowed.Add(next.Escrowed, a)
	case EntryEscrowReturn:
		if next.Escrowed.Lt(a) {
			return nil, fmt.Errorf("return of %s exceeds escrowed %s", amount.Format(a), amount.Format(next.Escrowed))
		}
		next.Escrowed.Sub(next.Escrowed, a)
		next.Available.Add(next.Available, a)
	case EntryPayout:
		next.Available.Add(next.Available, a)
		next.Received.Add(next.Received, a)
	default:
		return nil, ErrUnknownEntryType
	}
	next.UpdatedAt = e.CreatedAt
	return next, nil
}

// Store persists balances. Apply must be atomic: either both the entry and
// the resulting balance are stored, or neither.
type Store interface {
	GetBalance(ctx context.Context, addr common.Address) (*Balance, error)
	Apply(ctx context.Context, e *Entry) (*Balance, error)
	GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error)
}

// Book is the balance service.
type Book struct {
	store Store
	now   func() time.Time
}

// NewBook creates a balance book.
func NewBook(store Store) *Book {
	return &Book{store: store, now: time.Now}
}

// GetBalance returns addr's balance; unknown addresses have zero balances.
func (b *Book) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	return b.store.GetBalance(ctx, addr)
}

// GetHistory returns addr's most recent entries first.
func (b *Book) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return b.store.GetHistory(ctx, addr, limit)
}

// Deposit credits an operator-confirmed deposit. ref identifies the funding
// (e.g. a transaction hash) and may be recorded once.
func (b *Book) Deposit(ctx context.Context, addr common.Address, amt *uint256.Int, ref string) (*Balance, error) {
	_, bal, err := b.record(ctx, EntryDeposit, addr, amt, ref)
	return bal, err
}

// Collect moves a bounty deposit out of from's available balance.
func (b *Book) Collect(ctx context.Context, from common.Address, amt *uint256.Int, ref string) error {
	_, _, err := b.record(ctx, EntryEscrow, from, amt, ref)
	return err
}

// Return gives back a deposit collected under ref.
func (b *Book) Return(ctx context.Context, to common.Address, amt *uint256.Int, ref string) error {
	_, _, err := b.record(ctx, EntryEscrowReturn, to, amt, ref)
	return err
}

// Pay credits a ledger payout. The entry id is the transfer reference.
func (b *Book) Pay(ctx context.Context, to common.Address, amt *uint256.Int, ref string) (string, error) {
	e, _, err := b.record(ctx, EntryPayout, to, amt, ref)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (b *Book) record(ctx context.Context, typ EntryType, addr common.Address, amt *uint256.Int, ref string) (*Entry, *Balance, error) {
	if amt == nil || amt.IsZero() {
		return nil, nil, ErrInvalidAmount
	}
	if ref == "" {
		return nil, nil, ErrInvalidReference
	}

	e := &Entry{
		ID:        "be_" + uuid.NewString(),
		Address:   addr,
		Type:      typ,
		Amount:    new(uint256.Int).Set(amt),
		Reference: ref,
		CreatedAt: b.now(),
	}
	bal, err := b.store.Apply(ctx, e)
	if err != nil {
		metrics.BalanceEntriesTotal.WithLabelValues(string(typ), "rejected").Inc()
		return nil, nil, err
	}
	metrics.BalanceEntriesTotal.WithLabelValues(string(typ), "ok").Inc()

	logging.L(ctx).Info("balance entry recorded",
		"type", typ, "address", addr.Hex(), "amount", amount.Format(amt),
		"reference", ref, "available", amount.Format(bal.Available))
	return e, bal, nil
}
