package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/metrics"
)

// DefaultScanInterval is how often the watcher looks for expired bounties.
const DefaultScanInterval = 5 * time.Minute

// Watcher periodically scans for expired, unclaimed bounties and emits one
// bounty.expired notification per record so the beneficiary can claim or
// the arbitrator can step in. It never changes ledger state.
type Watcher struct {
	ledger   *Ledger
	emitter  Emitter
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu       sync.Mutex
	notified map[uint64]struct{}
}

// NewWatcher creates a new expiry watcher.
func NewWatcher(ledger *Ledger, emitter Emitter, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Watcher{
		ledger:   ledger,
		emitter:  emitter,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		notified: make(map[uint64]struct{}),
	}
}

// Running reports whether the watcher loop is actively running.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.safeScan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeScan(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in expiry watcher", "panic", fmt.Sprint(r))
		}
	}()
	w.Scan(ctx)
}

// Scan runs one pass and returns the number of new notifications.
func (w *Watcher) Scan(ctx context.Context) int {
	expired, err := w.ledger.ListExpiredUnclaimed(ctx)
	if err != nil {
		w.logger.Warn("failed to list expired bounties", "error", err)
		return 0
	}
	metrics.ExpiredUnclaimed.Set(float64(len(expired)))

	w.mu.Lock()
	defer w.mu.Unlock()

	sent := 0
	current := make(map[uint64]struct{}, len(expired))
	for _, rec := range expired {
		current[rec.ID] = struct{}{}
		if _, done := w.notified[rec.ID]; done {
			continue
		}
		w.notified[rec.ID] = struct{}{}
		sent++

		ev := newEvent(EventExpired, rec.ID, w.ledger.Now())
		ev.Beneficiary = rec.Beneficiary.Hex()
		ev.Amount = amount.Format(rec.NetAmount)
		ev.Reference = rec.Reference
		ev.Detail = rec.State(ev.At)

		if w.emitter != nil {
			w.emitter.Emit(ctx, ev)
		}
		w.logger.Info("bounty expired unclaimed",
			"bountyId", rec.ID,
			"beneficiary", rec.Beneficiary.Hex(),
			"amount", ev.Amount,
			"disputed", rec.Disputed,
		)
	}

	// Claimed bounties never expire again
	for id := range w.notified {
		if _, ok := current[id]; !ok {
			delete(w.notified, id)
		}
	}
	return sent
}
