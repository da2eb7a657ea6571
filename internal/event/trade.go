package event

import (
	"BattleLedger/internal/state"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TradeKind is the direction of a curve trade
type TradeKind int32

const (
	TradeKindBuy TradeKind = iota
	TradeKindSell
)

func (k TradeKind) String() string {
	if k == TradeKindSell {
		return "sell"
	}
	return "buy"
}

// Trade is the write-once record of a single buy or sell.
// Idempotency key: TradeID.
//
// For a buy, Gross is the payment and Net is what entered the pool.
// For a sell, Gross is what left the pool and Net is what the trader received.
type Trade struct {
	TradeID     uuid.UUID
	RequestID   string
	BattleID    uint64
	Side        state.Side
	Kind        TradeKind
	Trader      common.Address
	Tokens      *uint256.Int
	Gross       *uint256.Int
	ArtistFee   *uint256.Int
	PlatformFee *uint256.Int
	Net         *uint256.Int
	Dust        *uint256.Int // pool residue swept to the platform when supply hits zero
	PoolAfter   *uint256.Int
	SupplyAfter *uint256.Int
	Sequence    uint64 // per-battle trade sequence
	Hash        [32]byte
	Timestamp   time.Time
}

func (t *Trade) IdempotencyKey() string {
	return t.TradeID.String()
}

func (t *Trade) EventType() EventType {
	return EventTypeTradeExecuted
}

func (t *Trade) Battle() uint64 {
	return t.BattleID
}
