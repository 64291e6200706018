package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType names a ledger event.
type EventType string

const (
	EventCreated       EventType = "bounty.created"
	EventAuthorized    EventType = "bounty.authorized"
	EventClaimed       EventType = "bounty.claimed"
	EventDisputed      EventType = "bounty.disputed"
	EventResolved      EventType = "bounty.resolved"
	EventExpired       EventType = "bounty.expired"
	EventFeesCollected EventType = "fees.collected"
	EventPayoutFailed  EventType = "payout.failed"
)

// Event is an append-only notification for indexers and subscribers.
// Amounts are decimal token strings so events can be forwarded as-is.
type Event struct {
	Seq         uint64    `json:"seq"` // Journal position; 0 for unjournaled notifications
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	BountyID    uint64    `json:"bountyId,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Beneficiary string    `json:"beneficiary,omitempty"`
	Recipient   string    `json:"recipient,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	PayoutID    string    `json:"payoutId,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

func newEvent(typ EventType, bountyID uint64, at time.Time) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Type:     typ,
		BountyID: bountyID,
		At:       at,
	}
}

// Emitter receives events after they are committed. Ledger events arrive in
// Seq order; watcher notices carry Seq 0.
type Emitter interface {
	Emit(ctx context.Context, ev *Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev *Event)

func (f EmitterFunc) Emit(ctx context.Context, ev *Event) { f(ctx, ev) }

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev *Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) Emit(_ context.Context, ev *Event) {
	l.Logger.Info("ledger event",
		"type", ev.Type,
		"seq", ev.Seq,
		"bountyId", ev.BountyID,
		"amount", ev.Amount,
	)
}
