package projection

import (
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DefaultHistoryCapacity bounds the in-memory trade history.
const DefaultHistoryCapacity = 100_000

// TradeRecord is one executed trade as shown to a trader.
type TradeRecord struct {
	TradeID    uuid.UUID      `json:"trade_id"`
	BattleID   uint64         `json:"battle_id"`
	Trader     common.Address `json:"trader"`
	Side       string         `json:"side"`
	Kind       string         `json:"kind"`
	Tokens     *uint256.Int   `json:"tokens"`
	Gross      *uint256.Int   `json:"gross"`
	Net        *uint256.Int   `json:"net"`
	Sequence   int64          `json:"sequence"`
	ExecutedAt time.Time      `json:"executed_at"`
}

func newTradeRecord(seq int64, t *event.Trade) TradeRecord {
	return TradeRecord{
		TradeID:    t.TradeID,
		BattleID:   t.BattleID,
		Trader:     t.Trader,
		Side:       t.Side.String(),
		Kind:       t.Kind.String(),
		Tokens:     orZero(t.Tokens),
		Gross:      orZero(t.Gross),
		Net:        orZero(t.Net),
		Sequence:   seq,
		ExecutedAt: t.Timestamp,
	}
}

// TradeHistoryProjection maintains queryable trade history, oldest first.
// Once capacity is reached the oldest entries are dropped; Postgres keeps
// the full history.
type TradeHistoryProjection struct {
	mu       sync.RWMutex
	entries  []TradeRecord
	capacity int
}

func NewTradeHistoryProjection(capacity int) *TradeHistoryProjection {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &TradeHistoryProjection{
		entries:  make([]TradeRecord, 0),
		capacity: capacity,
	}
}

// AddEntry records a trade.
func (p *TradeHistoryProjection) AddEntry(entry TradeRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.capacity {
		drop := len(p.entries) - p.capacity + 1
		p.entries = append(p.entries[:0], p.entries[drop:]...)
	}
	p.entries = append(p.entries, entry)
}

// QueryByTrader returns up to limit of trader's trades, newest first.
func (p *TradeHistoryProjection) QueryByTrader(trader common.Address, limit int) []TradeRecord {
	return p.query(limit, func(r *TradeRecord) bool { return r.Trader == trader })
}

// QueryByBattle returns up to limit trades on battleID, newest first,
// optionally filtered to one side.
func (p *TradeHistoryProjection) QueryByBattle(battleID uint64, side *state.Side, limit int) []TradeRecord {
	return p.query(limit, func(r *TradeRecord) bool {
		if r.BattleID != battleID {
			return false
		}
		return side == nil || r.Side == side.String()
	})
}

// Len returns the number of retained entries.
func (p *TradeHistoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *TradeHistoryProjection) query(limit int, match func(*TradeRecord) bool) []TradeRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]TradeRecord, 0)
	for i := len(p.entries) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if match(&p.entries[i]) {
			result = append(result, p.entries[i])
		}
	}
	return result
}
