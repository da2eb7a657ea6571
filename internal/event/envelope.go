package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBattleCreated
	EventTypeTradeExecuted
	EventTypeBattleSettled
	EventTypeClaimPaid
	EventTypePayoutUpdated
	EventTypePhaseChanged
)

// EventEnvelope wraps every event emitted by the core
type EventEnvelope struct {
	// Engine-wide monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key (trade id, payout id, ...)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Battle context
	BattleID uint64

	// Clock time at which the event was applied
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 over the battle's trade chain after applying this event
	StateHash [32]byte

	// Previous chain tip (zero for non-trade events)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Battle returns the battle context
	Battle() uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypeBattleCreated:
		return "BattleCreated"
	case EventTypeTradeExecuted:
		return "TradeExecuted"
	case EventTypeBattleSettled:
		return "BattleSettled"
	case EventTypeClaimPaid:
		return "ClaimPaid"
	case EventTypePayoutUpdated:
		return "PayoutUpdated"
	case EventTypePhaseChanged:
		return "PhaseChanged"
	default:
		return "Unknown"
	}
}

// Subject returns the outbound stream subject suffix for et.
func (et EventType) Subject() string {
	switch et {
	case EventTypeBattleCreated:
		return "battle.created"
	case EventTypeTradeExecuted:
		return "trade.executed"
	case EventTypeBattleSettled:
		return "battle.settled"
	case EventTypeClaimPaid:
		return "claim.paid"
	case EventTypePayoutUpdated:
		return "payout.updated"
	case EventTypePhaseChanged:
		return "phase.changed"
	default:
		return "unknown"
	}
}
