package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/balances"
)

var (
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	arbitrator = common.HexToAddress("0x000000000000000000000000000000000000a4b1")
	treasury   = common.HexToAddress("0x0000000000000000000000000000000000007ea5")
)

const testRef = "ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

// --- test doubles ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type mockPayer struct {
	mu       sync.Mutex
	credited map[common.Address]*uint256.Int
	calls    int
	fail     error
	onPay    func()
}

func newMockPayer() *mockPayer {
	return &mockPayer{credited: make(map[common.Address]*uint256.Int)}
}

func (m *mockPayer) Pay(ctx context.Context, to common.Address, amt *uint256.Int, ref string) (string, error) {
	if m.onPay != nil {
		m.onPay()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return "", m.fail
	}
	bal, ok := m.credited[to]
	if !ok {
		bal = new(uint256.Int)
		m.credited[to] = bal
	}
	bal.Add(bal, amt)
	return "tx:" + ref, nil
}

func (m *mockPayer) balance(addr common.Address) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return amount.Format(m.credited[addr])
}

func (m *mockPayer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockFunder struct {
	mu        sync.Mutex
	available map[common.Address]*uint256.Int
}

func (m *mockFunder) Collect(ctx context.Context, from common.Address, amt *uint256.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.available[from]
	if bal == nil || bal.Lt(amt) {
		return errors.New("insufficient balance")
	}
	bal.Sub(bal, amt)
	return nil
}

func (m *mockFunder) Return(ctx context.Context, to common.Address, amt *uint256.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[to].Add(m.available[to], amt)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingEmitter) Emit(ctx context.Context, ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// --- fixture ---

type fixture struct {
	ledger  *Ledger
	store   *MemoryStore
	payer   *mockPayer
	clock   *fakeClock
	events  *recordingEmitter
	authKey *ecdsa.PrivateKey
	params  Params
}

func newFixture(t *testing.T, mutate ...func(*Params)) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		store:   NewMemoryStore(),
		payer:   newMockPayer(),
		clock:   newFakeClock(),
		events:  &recordingEmitter{},
		authKey: key,
		params: Params{
			Arbitrator:  arbitrator,
			Treasury:    treasury,
			Authorizers: []common.Address{crypto.PubkeyToAddress(key.PublicKey)},
			MinDuration: time.Second,
		},
	}
	for _, m := range mutate {
		m(&f.params)
	}
	f.ledger = f.open(t)
	return f
}

func (f *fixture) open(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithClock(f.clock.Now), WithEmitter(f.events)}, opts...)
	l, err := NewLedger(context.Background(), f.store, f.payer, f.params, opts...)
	require.NoError(t, err)
	return l
}

func (f *fixture) create(t *testing.T, who common.Address, deposit string, d time.Duration) *Record {
	t.Helper()
	rec, err := f.ledger.Create(context.Background(), who, CreateRequest{
		Amount:    amount.MustParse(deposit),
		Reference: testRef,
		Duration:  d,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) sign(t *testing.T, id uint64, submitter, beneficiary common.Address, ref string) []byte {
	t.Helper()
	digest, err := AuthorizationDigest(id, submitter, beneficiary, ref)
	require.NoError(t, err)
	sig, err := SignAuthorization(f.authKey, digest)
	require.NoError(t, err)
	return sig
}

func (f *fixture) authorize(t *testing.T, rec *Record, submitter common.Address) []byte {
	t.Helper()
	sig := f.sign(t, rec.ID, submitter, rec.Beneficiary, rec.Reference)
	_, err := f.ledger.SubmitAuthorization(context.Background(), submitter, rec.ID, sig)
	require.NoError(t, err)
	return sig
}

// --- create ---

func TestCreate_FeeArithmetic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deposits := []string{
		"1000000000000000",    // exactly the minimum
		"10000000000000000",   // 0.01
		"1000000000000000019", // remainder below 100
		"3333333333333333333",
		"115792089237316195423570985008687907853269984665640564039457584007913129639", // ~max/1000
	}

	for i, dep := range deposits {
		deposit, ok := amount.ParseWei(dep)
		require.True(t, ok)

		rec, err := f.ledger.Create(ctx, alice, CreateRequest{Amount: deposit, Reference: testRef, Duration: time.Hour})
		require.NoError(t, err)

		wantFee := new(big.Int).Mul(deposit.ToBig(), big.NewInt(FeePercent))
		wantFee.Div(wantFee, big.NewInt(100))
		wantNet := new(big.Int).Sub(deposit.ToBig(), wantFee)

		assert.Equal(t, wantFee.String(), rec.Fee.Dec(), "fee for %s", dep)
		assert.Equal(t, wantNet.String(), rec.NetAmount.Dec(), "net for %s", dep)
		assert.Equal(t, uint64(i+1), rec.ID)
	}
}

func TestCreate_SequentialIDsAndExpiry(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 5; i++ {
		d := time.Duration(i) * time.Hour
		rec := f.create(t, alice, "0.01", d)
		assert.Equal(t, uint64(i), rec.ID)
		assert.Equal(t, rec.CreatedAt.Add(d), rec.ExpiresAt)
		assert.False(t, rec.Claimed)
		assert.False(t, rec.Disputed)
		assert.False(t, rec.Authorized())
		f.clock.Advance(time.Minute)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.0009"), Reference: testRef, Duration: time.Hour})
	assert.ErrorIs(t, err, ErrBelowMinimumDeposit)

	_, err = f.ledger.Create(ctx, alice, CreateRequest{Amount: nil, Reference: testRef, Duration: time.Hour})
	assert.ErrorIs(t, err, ErrBelowMinimumDeposit)

	_, err = f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.01"), Reference: "", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.01"), Reference: strings.Repeat("x", MaxReferenceLength+1), Duration: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.01"), Reference: testRef, Duration: 500 * time.Millisecond})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	// Nothing was created; the counter is unchanged
	assert.Equal(t, 0, f.ledger.Stats(ctx).Total)
	rec := f.create(t, alice, "0.01", time.Hour)
	assert.Equal(t, uint64(1), rec.ID)
}

func TestCreate_DefaultMinimums(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.MinDuration = 0 })
	ctx := context.Background()

	_, err := f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.01"), Reference: testRef, Duration: 59 * time.Minute})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	rec, err := f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.001"), Reference: testRef, Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "0.00095", amount.Format(rec.NetAmount))
}

// --- end to end ---

func TestEndToEnd_AuthorizeAndClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, alice, "0.01", time.Hour)
	assert.Equal(t, "0.0095", amount.Format(rec.NetAmount))
	assert.Equal(t, "0.0005", amount.Format(rec.Fee))

	f.authorize(t, rec, bob)

	claimed, err := f.ledger.Claim(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.True(t, claimed.Claimed)
	assert.Equal(t, ResolutionClaimed, claimed.Resolution)
	assert.Equal(t, "0.0095", f.payer.balance(alice))

	_, err = f.ledger.Claim(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, 1, f.payer.callCount())
	assert.Equal(t, "0.0095", f.payer.balance(alice))

	sent, err := f.ledger.ListPayouts(ctx, PayoutSent, 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, PayoutClaim, sent[0].Kind)
	assert.Equal(t, rec.ID, sent[0].BountyID)
	assert.NotEmpty(t, sent[0].TxRef)

	assert.Equal(t, []EventType{EventCreated, EventAuthorized, EventClaimed}, f.events.types())
}

func TestEndToEnd_DisputeToTreasury(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, alice, "0.01", time.Hour)

	_, err := f.ledger.Dispute(ctx, alice, rec.ID)
	require.NoError(t, err)

	resolved, err := f.ledger.ResolveDispute(ctx, arbitrator, rec.ID, false)
	require.NoError(t, err)
	assert.True(t, resolved.Claimed)
	assert.False(t, resolved.Disputed)
	assert.Equal(t, ResolutionResolvedTreasury, resolved.Resolution)
	assert.Equal(t, "0.0095", f.payer.balance(treasury))
	assert.Equal(t, "0", f.payer.balance(alice))
}

// --- claim ---

func TestClaim_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, alice, "0.01", time.Hour)

	_, err := f.ledger.Claim(ctx, alice, 99)
	assert.ErrorIs(t, err, ErrUnknownRecord)

	_, err = f.ledger.Claim(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, ErrNotBeneficiary)

	_, err = f.ledger.Claim(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Equal(t, 0, f.payer.callCount())
}

func TestClaim_AfterExpiryWithoutAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, alice, "0.01", time.Hour)

	f.clock.Advance(time.Hour - time.Second)
	_, err := f.ledger.Claim(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	// now == ExpiresAt counts as expired
	f.clock.Advance(time.Second)
	claimed, err := f.ledger.Claim(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionClaimedAfterExpiry, claimed.Resolution)
	assert.Equal(t, "0.0095", f.payer.balance(alice))
}

func TestClaim_ConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, alice, "0.01", time.Hour)
	f.authorize(t, rec, bob)

	const n = 50
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Claim(context.Background(), alice, rec.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, already int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyClaimed):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)
	assert.Equal(t, 1, f.payer.callCount())
	assert.Equal(t, "0.0095", f.payer.balance(alice))
}

func TestClaim_ReentrantPayerRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, alice, "0.01", time.Hour)
	f.authorize(t, rec, bob)

	var reentrantErr error
	var once sync.Once
	f.payer.onPay = func() {
		once.Do(func() {
			_, reentrantErr = f.ledger.Claim(context.Background(), alice, rec.ID)
		})
	}

	_, err := f.ledger.Claim(context.Background(), alice, rec.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, reentrantErr, ErrAlreadyClaimed)
	assert.Equal(t, 1, f.payer.callCount())
}

func TestClaim_PayoutFailureLeavesRecordClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, alice, "0.01", time.Hour)
	f.authorize(t, rec, bob)

	f.payer.fail = errors.New("rpc unavailable")

	claimed, err := f.ledger.Claim(ctx, alice, rec.ID)
	var pe *PayoutError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PayoutFailed, pe.Payout.Status)
	assert.Equal(t, "payout_failed", Code(err))
	require.NotNil(t, claimed)
	assert.True(t, claimed.Claimed)

	// No internal retry and no second claim
	f.payer.fail = nil
	_, err = f.ledger.Claim(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, 1, f.payer.callCount())

	failed, err := f.ledger.ListPayouts(ctx, PayoutFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rpc unavailable", failed[0].Error)

	assert.Contains(t, f.events.types(), EventPayoutFailed)
}

// --- authorization ---

func TestSubmitAuthorization_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, alice, "0.01", time.Hour)

	_, err := f.ledger.SubmitAuthorization(ctx, bob, 42, f.sign(t, 42, bob, alice, testRef))
	assert.ErrorIs(t, err, ErrUnknownRecord)

	// Signed by someone who is not an authorizer
	rogue, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest, err := AuthorizationDigest(rec.ID, bob, alice, testRef)
	require.NoError(t, err)
	rogueSig, err := SignAuthorization(rogue, digest)
	require.NoError(t, err)
	_, err = f.ledger.SubmitAuthorization(ctx, bob, rec.ID, rogueSig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Signed for a different submitter
	_, err = f.ledger.SubmitAuthorization(ctx, bob, rec.ID, f.sign(t, rec.ID, alice, alice, testRef))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Malformed
	_, err = f.ledger.SubmitAuthorization(ctx, bob, rec.ID, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Rejected attempts do not consume anything
	f.authorize(t, rec, bob)

	_, err = f.ledger.SubmitAuthorization(ctx, bob, rec.ID, f.sign(t, rec.ID, bob, alice, testRef))
	assert.ErrorIs(t, err, ErrAlreadyAuthorized)
}

func TestSubmitAuthorization_HighSRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, alice, "0.01", time.Hour)
	sig := f.sign(t, rec.ID, bob, alice, testRef)

	// (r, n-s, v^1) recovers the same key but is malleable
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	highS := new(big.Int).Sub(n, s)
	malleable := make([]byte, 65)
	copy(malleable, sig[:32])
	highS.FillBytes(malleable[32:64])
	malleable[64] = 55 - sig[64] // 27 <-> 28

	_, err := f.ledger.SubmitAuthorization(context.Background(), bob, rec.ID, malleable)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSubmitAuthorization_Expired(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, alice, "0.01", time.Hour)
	sig := f.sign(t, rec.ID, bob, alice, testRef)

	f.clock.Advance(time.Hour)
	_, err := f.ledger.SubmitAuthorization(context.Background(), bob, rec.ID, sig)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSubmitAuthorization_CrossRecordReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, alice, "0.01", time.Hour)
	second := f.create(t, alice, "0.01", time.Hour)

	sig := f.authorize(t, first, bob)

	_, err := f.ledger.SubmitAuthorization(ctx, bob, second.ID, sig)
	assert.ErrorIs(t, err, ErrSignatureReplayed)

	// Re-encoding v does not make it a new signature
	reencoded := append([]byte(nil), sig...)
	reencoded[64] -= 27
	_, err = f.ledger.SubmitAuthorization(ctx, bob, second.ID, reencoded)
	assert.ErrorIs(t, err, ErrSignatureReplayed)

	// A fresh signature for the second record is fine
	f.authorize(t, second, bob)
}

// --- dispute ---

func TestDispute_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, alice, "0.01", time.Hour)

	_, err := f.ledger.Dispute(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, ErrNotBeneficiary)

	_, err = f.ledger.Dispute(ctx, alice, 7)
	assert.ErrorIs(t, err, ErrUnknownRecord)

	disputed, err := f.ledger.Dispute(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.True(t, disputed.Disputed)

	_, err = f.ledger.Dispute(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrAlreadyDisputed)

	// Frozen: no authorization, no claim even after expiry
	_, err = f.ledger.SubmitAuthorization(ctx, bob, rec.ID, f.sign(t, rec.ID, bob, alice, testRef))
	assert.ErrorIs(t, err, ErrDisputed)
	f.clock.Advance(2 * time.Hour)
	_, err = f.ledger.Claim(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrDisputed)

	resolved, err := f.ledger.ResolveDispute(ctx, arbitrator, rec.ID, true)
	require.NoError(t, err)
	assert.True(t, resolved.Claimed)
	assert.False(t, resolved.Disputed)
	assert.Equal(t, ResolutionResolvedBeneficiary, resolved.Resolution)
	assert.Equal(t, "0.0095", f.payer.balance(alice))

	_, err = f.ledger.Dispute(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestResolveDispute_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, alice, "0.01", time.Hour)

	_, err := f.ledger.ResolveDispute(ctx, alice, rec.ID, true)
	assert.ErrorIs(t, err, ErrNotArbitrator)

	_, err = f.ledger.ResolveDispute(ctx, arbitrator, 99, true)
	assert.ErrorIs(t, err, ErrUnknownRecord)

	_, err = f.ledger.ResolveDispute(ctx, arbitrator, rec.ID, true)
	assert.ErrorIs(t, err, ErrNotDisputed)

	_, err = f.ledger.Dispute(ctx, alice, rec.ID)
	require.NoError(t, err)
	_, err = f.ledger.ResolveDispute(ctx, arbitrator, rec.ID, false)
	require.NoError(t, err)

	_, err = f.ledger.ResolveDispute(ctx, arbitrator, rec.ID, true)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, 1, f.payer.callCount())
}

// --- fees ---

func TestCollectFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CollectFees(ctx, arbitrator)
	assert.ErrorIs(t, err, ErrNoFeesAvailable)

	f.create(t, alice, "0.01", time.Hour)
	f.create(t, bob, "1", time.Hour)

	_, err = f.ledger.CollectFees(ctx, alice)
	assert.ErrorIs(t, err, ErrNotArbitrator)

	p, err := f.ledger.CollectFees(ctx, arbitrator)
	require.NoError(t, err)
	assert.Equal(t, PayoutSent, p.Status)
	assert.Equal(t, "0.0505", amount.Format(p.Amount))
	assert.Equal(t, "0.0505", f.payer.balance(treasury))
	assert.True(t, f.ledger.FeeBalance(ctx).IsZero())

	_, err = f.ledger.CollectFees(ctx, arbitrator)
	assert.ErrorIs(t, err, ErrNoFeesAvailable)
}

// --- enumeration ---

func TestListByBeneficiary_CreationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var want []uint64
	for i := 0; i < 4; i++ {
		want = append(want, f.create(t, alice, "0.01", time.Hour).ID)
		f.create(t, bob, "0.01", time.Hour)
	}

	recs, err := f.ledger.ListByBeneficiary(ctx, alice)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, want[i], rec.ID)
		assert.Equal(t, alice, rec.Beneficiary)
	}

	none, err := f.ledger.ListByBeneficiary(ctx, treasury)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListExpiredUnclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short := f.create(t, alice, "0.01", time.Second)
	f.create(t, alice, "0.01", 365*24*time.Hour)

	expired, err := f.ledger.ListExpiredUnclaimed(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clock.Advance(2 * time.Second)

	expired, err = f.ledger.ListExpiredUnclaimed(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].ID)

	// Claimed records drop out
	_, err = f.ledger.Claim(ctx, alice, short.ID)
	require.NoError(t, err)
	expired, err = f.ledger.ListExpiredUnclaimed(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestListExpiredUnclaimed_StrictBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, alice, "0.01", time.Minute)

	// ExpiresAt == now is not yet listed
	f.clock.Advance(time.Minute)
	expired, err := f.ledger.ListExpiredUnclaimed(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clock.Advance(time.Nanosecond)
	expired, err = f.ledger.ListExpiredUnclaimed(ctx)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

// --- invariants ---

func TestHoldings_MatchesOpenRecordsPlusFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	check := func() {
		t.Helper()
		want := f.ledger.FeeBalance(ctx)
		for _, who := range []common.Address{alice, bob} {
			recs, err := f.ledger.ListByBeneficiary(ctx, who)
			require.NoError(t, err)
			for _, r := range recs {
				if !r.Claimed {
					want.Add(want, r.NetAmount)
				}
			}
		}
		assert.Equal(t, want.Dec(), f.ledger.Holdings(ctx).Dec())
	}

	a := f.create(t, alice, "0.01", time.Hour)
	b := f.create(t, bob, "0.37", time.Hour)
	c := f.create(t, alice, "2", time.Hour)
	check()

	f.authorize(t, a, bob)
	_, err := f.ledger.Claim(ctx, alice, a.ID)
	require.NoError(t, err)
	check()

	_, err = f.ledger.Dispute(ctx, bob, b.ID)
	require.NoError(t, err)
	_, err = f.ledger.ResolveDispute(ctx, arbitrator, b.ID, false)
	require.NoError(t, err)
	check()

	_, err = f.ledger.CollectFees(ctx, arbitrator)
	require.NoError(t, err)
	check()
	assert.Equal(t, amount.Format(c.NetAmount), amount.Format(f.ledger.Holdings(ctx)))

	stats := f.ledger.Stats(ctx)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Open)
}

func TestStoreFailure_LeavesStateUntouched(t *testing.T) {
	funder := &mockFunder{available: map[common.Address]*uint256.Int{alice: amount.MustParse("1")}}
	f := newFixture(t)
	f.ledger = f.open(t, WithFunder(funder))
	ctx := context.Background()

	f.store.FailNextCommit(errors.New("disk full"))
	_, err := f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.5"), Reference: testRef, Duration: time.Hour})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// Deposit returned, nothing recorded, counter unchanged
	assert.Equal(t, "1", amount.Format(funder.available[alice]))
	assert.Equal(t, 0, f.ledger.Stats(ctx).Total)
	assert.True(t, f.ledger.Holdings(ctx).IsZero())

	rec := f.create(t, alice, "0.5", time.Hour)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, "0.5", amount.Format(funder.available[alice]))

	f.authorize(t, rec, bob)
	f.store.FailNextCommit(errors.New("disk full"))
	_, err = f.ledger.Claim(ctx, alice, rec.ID)
	require.Error(t, err)

	got, err := f.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Claimed)
	assert.Equal(t, 0, f.payer.callCount())

	_, err = f.ledger.Claim(ctx, alice, rec.ID)
	require.NoError(t, err)
}

func TestStoreFailure_BookFunderRecovers(t *testing.T) {
	ctx := context.Background()
	book := balances.NewBook(balances.NewMemoryStore())
	_, err := book.Deposit(ctx, alice, amount.MustParse("1"), "dep-alice")
	require.NoError(t, err)
	_, err = book.Deposit(ctx, bob, amount.MustParse("1"), "dep-bob")
	require.NoError(t, err)

	f := newFixture(t)
	f.ledger = f.open(t, WithFunder(book))

	// Two failed attempts in a row at the same id
	for i := 0; i < 2; i++ {
		f.store.FailNextCommit(errors.New("connection reset"))
		_, err = f.ledger.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.5"), Reference: testRef, Duration: time.Hour})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDepositRejected)
	}

	bal, err := book.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1", amount.Format(bal.Available))
	assert.Equal(t, "0", amount.Format(bal.Escrowed))

	// The id that failed to commit is usable by the same and by other callers
	rec := f.create(t, alice, "0.5", time.Hour)
	assert.Equal(t, uint64(1), rec.ID)
	other := f.create(t, bob, "0.2", time.Hour)
	assert.Equal(t, uint64(2), other.ID)

	bal, err = book.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "0.5", amount.Format(bal.Available))
	assert.Equal(t, "0.5", amount.Format(bal.Escrowed))

	bal, err = book.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "0.8", amount.Format(bal.Available))
	assert.Equal(t, "0.2", amount.Format(bal.Escrowed))

	// Escrowed across the book matches what the ledger holds
	assert.Equal(t, "0.7", amount.Format(f.ledger.Holdings(ctx)))
}

func TestCreate_FunderRejects(t *testing.T) {
	funder := &mockFunder{available: map[common.Address]*uint256.Int{alice: amount.MustParse("0.005")}}
	f := newFixture(t)
	f.ledger = f.open(t, WithFunder(funder))

	_, err := f.ledger.Create(context.Background(), alice, CreateRequest{Amount: amount.MustParse("0.01"), Reference: testRef, Duration: time.Hour})
	require.ErrorIs(t, err, ErrDepositRejected)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Equal(t, "deposit_rejected", Code(err))
	assert.Equal(t, 0, f.ledger.Stats(context.Background()).Total)
}

func TestRestart_RestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, alice, "0.01", time.Hour)
	b := f.create(t, alice, "0.02", time.Hour)
	sig := f.authorize(t, a, bob)
	_, err := f.ledger.Dispute(ctx, alice, b.ID)
	require.NoError(t, err)

	reopened := f.open(t)

	got, err := reopened.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Authorized())
	assert.Equal(t, bob, got.Submitter)

	_, err = reopened.SubmitAuthorization(ctx, bob, b.ID, sig)
	assert.ErrorIs(t, err, ErrDisputed)

	c, err := reopened.Create(ctx, alice, CreateRequest{Amount: amount.MustParse("0.01"), Reference: testRef, Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.ID)

	// Replay set survives the restart
	_, err = reopened.SubmitAuthorization(ctx, bob, c.ID, sig)
	assert.ErrorIs(t, err, ErrSignatureReplayed)

	assert.Equal(t, f.ledger.FeeBalance(ctx).Dec(), new(uint256.Int).Sub(reopened.FeeBalance(ctx), c.Fee).Dec())

	recs, err := reopened.ListByBeneficiary(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestEvents_Journal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, alice, "0.01", time.Hour)
	f.authorize(t, rec, bob)
	_, err := f.ledger.Claim(ctx, alice, rec.ID)
	require.NoError(t, err)

	events, err := f.ledger.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, rec.ID, ev.BountyID)
	}
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, "0.0095", events[0].Amount)
	assert.Equal(t, testRef, events[0].Reference)
	assert.Equal(t, EventClaimed, events[2].Type)

	after, err := f.ledger.Events(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(3), after[0].Seq)
}

func TestNewLedger_RequiresRoles(t *testing.T) {
	_, err := NewLedger(context.Background(), NewMemoryStore(), newMockPayer(), Params{})
	assert.Error(t, err)

	_, err = NewLedger(context.Background(), NewMemoryStore(), nil, Params{Arbitrator: arbitrator, Authorizers: []common.Address{bob}})
	assert.Error(t, err)

	l, err := NewLedger(context.Background(), NewMemoryStore(), newMockPayer(), Params{Arbitrator: arbitrator, Authorizers: []common.Address{bob}})
	require.NoError(t, err)
	p := l.Params()
	assert.Equal(t, arbitrator, p.Treasury)
	assert.Equal(t, DefaultMinDuration, p.MinDuration)
	assert.Equal(t, DefaultMinDeposit.Dec(), p.MinDeposit.Dec())
}

func TestCode(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "not_ready", Code(ErrNotReady))
	assert.Equal(t, "invalid_signature", Code(errors.Join(ErrInvalidSignature, errors.New("detail"))))
	assert.Equal(t, "internal_error", Code(errors.New("boom")))
}

func TestEmit_ConcurrentMutationsDeliverInSeqOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recordingEmitter{}
	slow := EmitterFunc(func(ctx context.Context, ev *Event) {
		time.Sleep(time.Microsecond)
		rec.Emit(ctx, ev)
	})
	f.ledger = f.open(t, WithEmitter(slow))

	const n = 20
	open := make([]*Record, n)
	for i := range open {
		open[i] = f.create(t, alice, "0.01", time.Hour)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			_, err := f.ledger.Dispute(ctx, alice, id)
			assert.NoError(t, err)
		}(open[i].ID)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Create(ctx, bob, CreateRequest{Amount: amount.MustParse("0.01"), Reference: testRef, Duration: time.Hour})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3*n)
	for i, ev := range rec.events {
		assert.Equal(t, uint64(i+1), ev.Seq, "event %d (%s)", i, ev.Type)
	}
}
