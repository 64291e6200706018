package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/metrics"
	"github.com/mbd888/bountyledger/internal/traces"
)

// Ledger owns every bounty record and serialises all mutations behind a
// single write lock. Reads take the read lock and return copies.
//
// Each mutation is built as a Change, committed to the Store, and only then
// applied in memory. Value leaves the ledger in a second phase, after the
// lock is released: the record is already claimed by then, so a reentrant
// or concurrent claim fails with ErrAlreadyClaimed.
type Ledger struct {
	mu sync.RWMutex
	// emitMu is taken before mu is released, so events reach the emitter
	// in Seq order.
	emitMu sync.Mutex

	params      Params
	authorizers map[common.Address]struct{}
	store       Store
	payer       Payer
	funder      Funder
	emitter     Emitter
	logger      *slog.Logger
	now         func() time.Time

	records       map[uint64]*Record // committed records are never mutated in place
	byBeneficiary map[common.Address][]uint64
	consumed      map[common.Hash]struct{}
	fees          *uint256.Int
	escrowed      *uint256.Int // Σ NetAmount over unclaimed records
	lastID        uint64
	lastEventSeq  uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithFunder collects deposits from the creator before a bounty is committed.
func WithFunder(f Funder) Option {
	return func(l *Ledger) { l.funder = f }
}

// WithEmitter receives events after they are committed.
func WithEmitter(e Emitter) Option {
	return func(l *Ledger) { l.emitter = e }
}

// WithLogger sets the logger used outside request context.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger loads state from store and returns a ready ledger.
func NewLedger(ctx context.Context, store Store, payer Payer, params Params, opts ...Option) (*Ledger, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if payer == nil {
		return nil, errors.New("escrow: payer is required")
	}

	l := &Ledger{
		params:        params,
		authorizers:   make(map[common.Address]struct{}, len(params.Authorizers)),
		store:         store,
		payer:         payer,
		logger:        slog.Default(),
		now:           time.Now,
		records:       make(map[uint64]*Record),
		byBeneficiary: make(map[common.Address][]uint64),
		consumed:      make(map[common.Hash]struct{}),
		fees:          new(uint256.Int),
		escrowed:      new(uint256.Int),
	}
	for _, a := range params.Authorizers {
		l.authorizers[a] = struct{}{}
	}
	for _, opt := range opts {
		opt(l)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}
	l.restore(snap)

	pending, err := store.ListPayouts(ctx, PayoutPending, 100)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payouts: %w", err)
	}
	for _, p := range pending {
		// Interrupted between commit and transfer; never retried automatically.
		l.logger.Error("CRITICAL: payout left pending by previous run, requires manual resolution",
			"payoutId", p.ID, "bountyId", p.BountyID, "to", p.To.Hex(), "amount", amount.Format(p.Amount))
	}

	l.logger.Info("ledger loaded",
		"bounties", len(l.records),
		"fees", amount.Format(l.fees),
		"held", amount.Format(l.holdingsLocked()))
	return l, nil
}

func (l *Ledger) restore(snap *Snapshot) {
	l.lastID = snap.Meta.LastID
	l.lastEventSeq = snap.Meta.LastEventSeq
	if snap.Meta.Fees != nil {
		l.fees = new(uint256.Int).Set(snap.Meta.Fees)
	}
	for _, r := range snap.Records {
		l.records[r.ID] = r
		l.byBeneficiary[r.Beneficiary] = append(l.byBeneficiary[r.Beneficiary], r.ID)
		if !r.Claimed {
			l.escrowed.Add(l.escrowed, r.NetAmount)
		}
	}
	for _, d := range snap.Consumed {
		l.consumed[d] = struct{}{}
	}
	l.refreshGaugesLocked()
}

// Params returns the ledger's configuration.
func (l *Ledger) Params() Params {
	p := l.params
	p.Authorizers = append([]common.Address(nil), l.params.Authorizers...)
	p.MinDeposit = new(uint256.Int).Set(l.params.MinDeposit)
	return p
}

// IsArbitrator reports whether addr is the arbitrator.
func (l *Ledger) IsArbitrator(addr common.Address) bool {
	return addr == l.params.Arbitrator
}

// Create escrows a deposit from caller, who becomes the beneficiary.
func (l *Ledger) Create(ctx context.Context, caller common.Address, req CreateRequest) (_ *Record, err error) {
	ctx, end := instrument(ctx, "escrow.Create", "create",
		traces.Caller(caller.Hex()), traces.Amount(amount.Format(req.Amount)), traces.Reference(req.Reference))
	defer end(&err)

	if req.Amount == nil || req.Amount.Lt(l.params.MinDeposit) {
		return nil, ErrBelowMinimumDeposit
	}
	if req.Reference == "" || len(req.Reference) > MaxReferenceLength {
		return nil, ErrInvalidReference
	}
	if req.Duration < l.params.MinDuration {
		return nil, ErrInvalidDuration
	}

	var collected bool
	var depositRef string
	ch, err := l.mutate(ctx, func(now time.Time) (*Change, error) {
		id := l.lastID + 1
		fee, net := SplitDeposit(req.Amount)

		// The id is reused when the commit fails, so the funder reference
		// must be unique per attempt.
		depositRef = fmt.Sprintf("bounty:%d:deposit:%s", id, uuid.NewString())
		if l.funder != nil {
			if err := l.funder.Collect(ctx, caller, req.Amount, depositRef); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDepositRejected, err)
			}
			collected = true
		}

		rec := &Record{
			ID:          id,
			Beneficiary: caller,
			NetAmount:   net,
			Fee:         fee,
			Reference:   req.Reference,
			CreatedAt:   now,
			ExpiresAt:   now.Add(req.Duration),
		}

		ev := newEvent(EventCreated, id, now)
		ev.Actor = caller.Hex()
		ev.Beneficiary = caller.Hex()
		ev.Amount = amount.Format(net)
		ev.Reference = req.Reference

		return &Change{
			Meta:   &Meta{LastID: id, Fees: new(uint256.Int).Add(l.fees, fee)},
			Record: rec,
			Event:  ev,
		}, nil
	})
	if err != nil {
		if collected {
			if rerr := l.funder.Return(context.WithoutCancel(ctx), caller, req.Amount, depositRef); rerr != nil {
				logging.L(ctx).Error("CRITICAL: deposit collected but bounty not created and return failed",
					"caller", caller.Hex(), "amount", amount.Format(req.Amount), "error", rerr)
			}
		}
		return nil, err
	}

	rec := ch.Record.clone()
	metrics.BountiesCreatedTotal.Inc()
	logging.L(ctx).Info("bounty created",
		"bountyId", rec.ID, "beneficiary", rec.Beneficiary.Hex(),
		"net", amount.Format(rec.NetAmount), "fee", amount.Format(rec.Fee), "expiresAt", rec.ExpiresAt)
	return rec, nil
}

// SubmitAuthorization attaches an authorizer's signature to a bounty,
// unlocking claim before expiry. The signature must recover to a configured
// authorizer over AuthorizationDigest(id, caller, beneficiary, reference).
func (l *Ledger) SubmitAuthorization(ctx context.Context, caller common.Address, id uint64, signature []byte) (_ *Record, err error) {
	ctx, end := instrument(ctx, "escrow.SubmitAuthorization", "submit_authorization",
		traces.BountyID(id), traces.Caller(caller.Hex()))
	defer end(&err)

	ch, err := l.mutate(ctx, func(now time.Time) (*Change, error) {
		cur, ok := l.records[id]
		if !ok {
			return nil, ErrUnknownRecord
		}
		if cur.Claimed {
			return nil, ErrAlreadyClaimed
		}
		if cur.Disputed {
			return nil, ErrDisputed
		}
		if cur.ExpiredAt(now) {
			return nil, ErrExpired
		}
		if cur.Authorized() {
			return nil, ErrAlreadyAuthorized
		}

		msgDigest, err := AuthorizationDigest(id, caller, cur.Beneficiary, cur.Reference)
		if err != nil {
			return nil, err
		}
		sigDigest := signatureDigest(signature)
		if _, used := l.consumed[msgDigest]; used {
			return nil, ErrSignatureReplayed
		}
		if _, used := l.consumed[sigDigest]; used {
			return nil, ErrSignatureReplayed
		}

		signer, err := RecoverAuthorizer(msgDigest, signature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if _, ok := l.authorizers[signer]; !ok {
			return nil, fmt.Errorf("%w: signer %s is not an authorizer", ErrInvalidSignature, signer.Hex())
		}

		rec := cur.clone()
		rec.Authorization = append([]byte(nil), signature...)
		rec.AuthorizedBy = signer
		rec.Submitter = caller

		ev := newEvent(EventAuthorized, id, now)
		ev.Actor = caller.Hex()
		ev.Beneficiary = rec.Beneficiary.Hex()
		ev.Detail = "signed by " + signer.Hex()

		return &Change{
			Record:   rec,
			Consumed: []common.Hash{msgDigest, sigDigest},
			Event:    ev,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	rec := ch.Record.clone()
	logging.L(ctx).Info("bounty authorized",
		"bountyId", id, "submitter", caller.Hex(), "authorizer", rec.AuthorizedBy.Hex())
	return rec, nil
}

// Claim pays the net amount to the beneficiary once the bounty is authorized
// or its window has closed. If the transfer fails after the claim is
// committed, the claimed record is returned together with a *PayoutError.
func (l *Ledger) Claim(ctx context.Context, caller common.Address, id uint64) (_ *Record, err error) {
	ctx, end := instrument(ctx, "escrow.Claim", "claim",
		traces.BountyID(id), traces.Caller(caller.Hex()))
	defer end(&err)

	ch, err := l.mutate(ctx, func(now time.Time) (*Change, error) {
		cur, ok := l.records[id]
		if !ok {
			return nil, ErrUnknownRecord
		}
		if caller != cur.Beneficiary {
			return nil, ErrNotBeneficiary
		}
		if cur.Claimed {
			return nil, ErrAlreadyClaimed
		}
		if cur.Disputed {
			return nil, ErrDisputed
		}
		if !cur.Authorized() && !cur.ExpiredAt(now) {
			return nil, ErrNotReady
		}

		rec := cur.clone()
		rec.Claimed = true
		rec.ClaimedAt = &now
		rec.Resolution = ResolutionClaimed
		if !cur.Authorized() {
			rec.Resolution = ResolutionClaimedAfterExpiry
		}

		p := newPayout(PayoutClaim, id, rec.Beneficiary, rec.NetAmount, now)

		ev := newEvent(EventClaimed, id, now)
		ev.Actor = caller.Hex()
		ev.Beneficiary = rec.Beneficiary.Hex()
		ev.Recipient = rec.Beneficiary.Hex()
		ev.Amount = amount.Format(rec.NetAmount)
		ev.PayoutID = p.ID
		ev.Detail = string(rec.Resolution)

		return &Change{Record: rec, Payout: p, Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}

	rec := ch.Record.clone()
	l.closed(ctx, rec)

	if _, err := l.executePayout(ctx, ch.Payout); err != nil {
		return rec, err
	}
	return rec, nil
}

// Dispute freezes a bounty until the arbitrator resolves it.
func (l *Ledger) Dispute(ctx context.Context, caller common.Address, id uint64) (_ *Record, err error) {
	ctx, end := instrument(ctx, "escrow.Dispute", "dispute",
		traces.BountyID(id), traces.Caller(caller.Hex()))
	defer end(&err)

	ch, err := l.mutate(ctx, func(now time.Time) (*Change, error) {
		cur, ok := l.records[id]
		if !ok {
			return nil, ErrUnknownRecord
		}
		if caller != cur.Beneficiary {
			return nil, ErrNotBeneficiary
		}
		if cur.Claimed {
			return nil, ErrAlreadyClaimed
		}
		if cur.Disputed {
			return nil, ErrAlreadyDisputed
		}

		rec := cur.clone()
		rec.Disputed = true

		ev := newEvent(EventDisputed, id, now)
		ev.Actor = caller.Hex()
		ev.Beneficiary = rec.Beneficiary.Hex()
		ev.Amount = amount.Format(rec.NetAmount)

		return &Change{Record: rec, Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("bounty disputed", "bountyId", id, "beneficiary", caller.Hex())
	return ch.Record.clone(), nil
}

// ResolveDispute closes a disputed bounty, paying the net amount to the
// beneficiary or to the treasury. Arbitrator only.
func (l *Ledger) ResolveDispute(ctx context.Context, caller common.Address, id uint64, rewardBeneficiary bool) (_ *Record, err error) {
	ctx, end := instrument(ctx, "escrow.ResolveDispute", "resolve",
		traces.BountyID(id), traces.Caller(caller.Hex()))
	defer end(&err)

	if !l.IsArbitrator(caller) {
		return nil, ErrNotArbitrator
	}

	ch, err := l.mutate(ctx, func(now time.Time) (*Change, error) {
		cur, ok := l.records[id]
		if !ok {
			return nil, ErrUnknownRecord
		}
		if cur.Claimed {
			return nil, ErrAlreadyClaimed
		}
		if !cur.Disputed {
			return nil, ErrNotDisputed
		}

		rec := cur.clone()
		rec.Claimed = true
		rec.Disputed = false
		rec.ClaimedAt = &now

		to := l.params.Treasury
		rec.Resolution = ResolutionResolvedTreasury
		if rewardBeneficiary {
			to = rec.Beneficiary
			rec.Resolution = ResolutionResolvedBeneficiary
		}

		p := newPayout(PayoutResolve, id, to, rec.NetAmount, now)

		ev := newEvent(EventResolved, id, now)
		ev.Actor = caller.Hex()
		ev.Beneficiary = rec.Beneficiary.Hex()
		ev.Recipient = to.Hex()
		ev.Amount = amount.Format(rec.NetAmount)
		ev.PayoutID = p.ID
		ev.Detail = string(rec.Resolution)

		return &Change{Record: rec, Payout: p, Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}

	rec := ch.Record.clone()
	l.closed(ctx, rec)

	if _, err := l.executePayout(ctx, ch.Payout); err != nil {
		return rec, err
	}
	return rec, nil
}

// CollectFees sweeps the whole fee balance to the treasury. Arbitrator only.
func (l *Ledger) CollectFees(ctx context.Context, caller common.Address) (_ *Payout, err error) {
	ctx, end := instrument(ctx, "escrow.CollectFees", "collect_fees", traces.Caller(caller.Hex()))
	defer end(&err)

	if !l.IsArbitrator(caller) {
		return nil, ErrNotArbitrator
	}

	ch, err := l.mutate(ctx, func(now time.Time) (*Change, error) {
		if l.fees.IsZero() {
			return nil, ErrNoFeesAvailable
		}

		p := newPayout(PayoutFees, 0, l.params.Treasury, l.fees, now)

		ev := newEvent(EventFeesCollected, 0, now)
		ev.Actor = caller.Hex()
		ev.Recipient = l.params.Treasury.Hex()
		ev.Amount = amount.Format(l.fees)
		ev.PayoutID = p.ID

		return &Change{
			Meta:   &Meta{LastID: l.lastID, Fees: new(uint256.Int)},
			Payout: p,
			Event:  ev,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("fees collected",
		"amount", amount.Format(ch.Payout.Amount), "treasury", ch.Payout.To.Hex())

	return l.executePayout(ctx, ch.Payout)
}

// Get returns a copy of a bounty.
func (l *Ledger) Get(ctx context.Context, id uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, ErrUnknownRecord
	}
	return rec.clone(), nil
}

// ListByBeneficiary returns every bounty created by who, in creation order.
func (l *Ledger) ListByBeneficiary(ctx context.Context, who common.Address) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byBeneficiary[who]
	result := make([]*Record, 0, len(ids))
	for _, id := range ids {
		result = append(result, l.records[id].clone())
	}
	return result, nil
}

// ListExpiredUnclaimed returns bounties with ExpiresAt < now that are not
// claimed, in ascending id order.
func (l *Ledger) ListExpiredUnclaimed(ctx context.Context) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	var result []*Record
	for id := uint64(1); id <= l.lastID; id++ {
		rec, ok := l.records[id]
		if !ok || rec.Claimed || !rec.ExpiresAt.Before(now) {
			continue
		}
		result = append(result, rec.clone())
	}
	return result, nil
}

// Holdings is the total value held: net amounts of unclaimed bounties plus
// uncollected fees.
func (l *Ledger) Holdings(ctx context.Context) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.holdingsLocked()
}

// FeeBalance returns the uncollected fees.
func (l *Ledger) FeeBalance(ctx context.Context) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.fees)
}

// Stats counts bounties by state.
func (l *Ledger) Stats(ctx context.Context) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	s := Stats{
		Total:    len(l.records),
		Holdings: l.holdingsLocked(),
		Fees:     new(uint256.Int).Set(l.fees),
	}
	for _, rec := range l.records {
		switch rec.State(now) {
		case "claimed":
			s.Claimed++
		case "disputed":
			s.Disputed++
		case "expired":
			s.ExpiredUnclaimed++
		case "authorized":
			s.Authorized++
		default:
			s.Open++
		}
	}
	return s
}

// Events returns journaled events with Seq > after.
func (l *Ledger) Events(ctx context.Context, after uint64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListEvents(ctx, after, limit)
}

// ListPayouts returns payouts, optionally filtered by status.
func (l *Ledger) ListPayouts(ctx context.Context, status PayoutStatus, limit int) ([]*Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListPayouts(ctx, status, limit)
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// mutate builds a change under the write lock, commits it, applies it and
// delivers its event. build must not modify ledger state; it returns nil and
// an error to refuse.
func (l *Ledger) mutate(ctx context.Context, build func(now time.Time) (*Change, error)) (*Change, error) {
	l.mu.Lock()
	ch, err := build(l.now())
	if err == nil {
		err = l.commitLocked(ctx, ch)
	}
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.unlockAndEmit(ctx, ch.Event)
	return ch, nil
}

// commitLocked persists ch and applies it to memory. Caller holds l.mu.
func (l *Ledger) commitLocked(ctx context.Context, ch *Change) error {
	if ch.Meta == nil {
		ch.Meta = &Meta{LastID: l.lastID, Fees: new(uint256.Int).Set(l.fees)}
	}
	ch.Meta.LastEventSeq = l.lastEventSeq
	if ch.Event != nil {
		ch.Event.Seq = l.lastEventSeq + 1
		ch.Meta.LastEventSeq = ch.Event.Seq
	}

	if err := l.store.Commit(ctx, ch); err != nil {
		if ch.Event != nil {
			ch.Event.Seq = 0
		}
		return fmt.Errorf("failed to commit ledger change: %w", err)
	}

	l.lastID = ch.Meta.LastID
	l.lastEventSeq = ch.Meta.LastEventSeq
	l.fees = new(uint256.Int).Set(ch.Meta.Fees)

	if rec := ch.Record; rec != nil {
		prev, exists := l.records[rec.ID]
		switch {
		case !exists:
			l.byBeneficiary[rec.Beneficiary] = append(l.byBeneficiary[rec.Beneficiary], rec.ID)
			if !rec.Claimed {
				l.escrowed.Add(l.escrowed, rec.NetAmount)
			}
		case !prev.Claimed && rec.Claimed:
			l.escrowed.Sub(l.escrowed, rec.NetAmount)
		}
		l.records[rec.ID] = rec
	}
	for _, d := range ch.Consumed {
		l.consumed[d] = struct{}{}
	}

	l.refreshGaugesLocked()
	return nil
}

// executePayout runs phase two of a claim, resolution or fee sweep. The
// transfer is attempted once; failures are recorded and returned as
// *PayoutError.
func (l *Ledger) executePayout(ctx context.Context, p *Payout) (*Payout, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "escrow.Payout", traces.PayoutID(p.ID), traces.BountyID(p.BountyID))
	defer span.End()

	txRef, payErr := l.payer.Pay(ctx, p.To, p.Amount, "payout:"+p.ID)

	l.mu.Lock()
	done := p.clone()
	done.UpdatedAt = l.now()
	var ev *Event
	if payErr != nil {
		done.Status = PayoutFailed
		done.Error = payErr.Error()

		ev = newEvent(EventPayoutFailed, p.BountyID, done.UpdatedAt)
		ev.Recipient = p.To.Hex()
		ev.Amount = amount.Format(p.Amount)
		ev.PayoutID = p.ID
		ev.Detail = payErr.Error()
	} else {
		done.Status = PayoutSent
		done.TxRef = txRef
	}
	commitErr := l.commitLocked(ctx, &Change{Payout: done, Event: ev})
	if commitErr != nil {
		l.mu.Unlock()
	} else {
		l.unlockAndEmit(ctx, ev)
	}

	metrics.PayoutsTotal.WithLabelValues(string(p.Kind), string(done.Status)).Inc()

	if commitErr != nil {
		// The transfer outcome is known but not persisted; the stored payout
		// still reads pending.
		logging.L(ctx).Error("CRITICAL: payout executed but status update failed",
			"payoutId", p.ID, "status", done.Status, "txRef", txRef, "error", commitErr)
	}

	if payErr != nil {
		span.RecordError(payErr)
		logging.L(ctx).Error("payout failed, requires manual resolution",
			"payoutId", p.ID, "bountyId", p.BountyID, "to", p.To.Hex(),
			"amount", amount.Format(p.Amount), "error", payErr)
		return done, &PayoutError{Payout: done, Err: payErr}
	}

	logging.L(ctx).Info("payout sent",
		"payoutId", p.ID, "kind", p.Kind, "to", p.To.Hex(),
		"amount", amount.Format(p.Amount), "txRef", txRef)
	return done, nil
}

func (l *Ledger) holdingsLocked() *uint256.Int {
	return new(uint256.Int).Add(l.escrowed, l.fees)
}

func (l *Ledger) refreshGaugesLocked() {
	metrics.HeldTokens.Set(amount.Float64(l.holdingsLocked()))
	metrics.FeeBalanceTokens.Set(amount.Float64(l.fees))
}

func (l *Ledger) closed(ctx context.Context, rec *Record) {
	metrics.BountiesClaimedTotal.WithLabelValues(string(rec.Resolution)).Inc()
	if rec.ClaimedAt != nil {
		metrics.BountyLifetime.Observe(rec.ClaimedAt.Sub(rec.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("bounty closed",
		"bountyId", rec.ID, "resolution", rec.Resolution, "net", amount.Format(rec.NetAmount))
}

// unlockAndEmit releases mu and delivers ev. Caller holds mu.
func (l *Ledger) unlockAndEmit(ctx context.Context, ev *Event) {
	if l.emitter == nil || ev == nil {
		l.mu.Unlock()
		return
	}
	cp := *ev
	l.emitMu.Lock()
	l.mu.Unlock()
	defer l.emitMu.Unlock()
	l.emitter.Emit(ctx, &cp)
}

func newPayout(kind PayoutKind, bountyID uint64, to common.Address, amt *uint256.Int, now time.Time) *Payout {
	return &Payout{
		ID:        "po_" + uuid.NewString(),
		BountyID:  bountyID,
		Kind:      kind,
		To:        to,
		Amount:    new(uint256.Int).Set(amt),
		Status:    PayoutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
