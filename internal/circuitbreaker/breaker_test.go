package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("test", threshold, cooldown)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Do(func() error { return errBoom })
	require.NoError(t, b.Do(func() error { return nil }))
	_ = b.Do(func() error { return errBoom })
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	_ = b.Do(func() error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(time.Minute)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

type stubPayer struct {
	calls int
	err   error
}

func (s *stubPayer) Pay(ctx context.Context, to common.Address, amt *uint256.Int, ref string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "tx-1", nil
}

func TestPayer(t *testing.T) {
	next := &stubPayer{}
	b, _ := newTestBreaker(1, time.Minute)
	p := NewPayer(next, b)
	to := common.HexToAddress("0x01")

	ref, err := p.Pay(context.Background(), to, uint256.NewInt(1), "payout:1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", ref)

	next.err = errBoom
	_, err = p.Pay(context.Background(), to, uint256.NewInt(1), "payout:2")
	assert.ErrorIs(t, err, errBoom)

	_, err = p.Pay(context.Background(), to, uint256.NewInt(1), "payout:3")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, next.calls)
	assert.Same(t, b, p.Breaker())
}
