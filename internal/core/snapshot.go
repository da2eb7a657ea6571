package core

import (
	"BattleLedger/internal/state"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EngineSnapshot is the full in-memory engine state at a point in time.
type EngineSnapshot struct {
	Sequence        int64            `json:"sequence"`
	LastBattleID    uint64           `json:"last_battle_id"`
	Battles         []BattleSnapshot `json:"battles"`
	PendingPayouts  []Payout         `json:"pending_payouts"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

// BattleSnapshot is one battle's serializable state.
type BattleSnapshot struct {
	Battle     state.Battle      `json:"battle"`
	Sides      [2]SideSnapshot   `json:"sides"`
	Claimed    []common.Address  `json:"claimed"`
	TradeSeq   uint64            `json:"trade_seq"`
	ChainTip   common.Hash       `json:"chain_tip"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// SideSnapshot is one side's pool, supply and holder balances.
type SideSnapshot struct {
	Pool    *uint256.Int     `json:"pool"`
	Supply  *uint256.Int     `json:"supply"`
	Holders []HolderSnapshot `json:"holders"`
}

// HolderSnapshot is one holder balance.
type HolderSnapshot struct {
	Holder  common.Address `json:"holder"`
	Balance *uint256.Int   `json:"balance"`
}

// Snapshot captures every battle under its locks, one battle at a time.
// The sequence is read first; per-battle state may run ahead of it and
// replay skips what the snapshot already holds.
func (e *Engine) Snapshot() *EngineSnapshot {
	seq := e.Sequence()

	e.mu.RLock()
	markets := make([]*market, 0, len(e.battles))
	for _, id := range e.sortedIDsLocked() {
		markets = append(markets, e.battles[id])
	}
	lastID := e.lastID
	e.mu.RUnlock()

	snap := &EngineSnapshot{
		Sequence:        seq,
		LastBattleID:    lastID,
		Battles:         make([]BattleSnapshot, 0, len(markets)),
		PendingPayouts:  e.payouts.Pending(),
		IdempotencyKeys: e.idempotency.Keys(),
		CreatedAt:       e.clock.Now(),
	}
	for _, m := range markets {
		snap.Battles = append(snap.Battles, m.snapshot())
	}
	return snap
}

func (e *Engine) sortedIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(e.battles))
	for id := range e.battles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *market) snapshot() BattleSnapshot {
	m.lockAll()
	defer m.unlockAll()

	bs := BattleSnapshot{
		Battle:  *m.battle.Clone(),
		Claimed: m.claims.Claimed(),
	}
	for _, s := range state.Sides {
		sb := &m.sides[s]
		ss := SideSnapshot{
			Pool:   sb.pool.Pool(),
			Supply: sb.pool.Supply(),
		}
		for _, hb := range sb.holdings.Snapshot() {
			bal := hb.Balance
			ss.Holders = append(ss.Holders, HolderSnapshot{Holder: hb.Holder, Balance: &bal})
		}
		bs.Sides[s] = ss
	}
	m.auditMu.Lock()
	bs.TradeSeq = m.tradeSeq
	bs.ChainTip = common.Hash(m.hasher.GetPrevHash())
	m.auditMu.Unlock()
	if m.settlement != nil {
		bs.Settlement = m.settlement.clone()
	}
	return bs
}

// Restore loads snap into an engine that has no battles yet.
func (e *Engine) Restore(snap *EngineSnapshot) error {
	markets := make(map[uint64]*market, len(snap.Battles))
	for i := range snap.Battles {
		bs := &snap.Battles[i]
		m, err := restoreMarket(bs)
		if err != nil {
			return fmt.Errorf("restore battle %d: %w", bs.Battle.ID, err)
		}
		markets[bs.Battle.ID] = m
	}

	e.mu.Lock()
	if len(e.battles) > 0 {
		e.mu.Unlock()
		return fmt.Errorf("restore: engine already has %d battles", len(e.battles))
	}
	e.battles = markets
	e.lastID = snap.LastBattleID
	for id := range markets {
		if id > e.lastID {
			e.lastID = id
		}
	}
	e.mu.Unlock()

	e.emitMu.Lock()
	e.sequence = snap.Sequence
	e.reserved.Store(snap.Sequence)
	clear(e.parked)
	e.emitMu.Unlock()

	for _, p := range snap.PendingPayouts {
		e.payouts.Put(p)
	}
	e.idempotency.Warm(snap.IdempotencyKeys)

	active := 0
	for _, m := range markets {
		if m.battle.Active {
			active++
		}
	}
	if e.metrics != nil {
		e.metrics.ActiveBattles.Set(float64(active))
		e.metrics.PayoutsPending.Set(float64(e.payouts.Len()))
	}
	e.logger.Info().
		Int("battles", len(markets)).
		Int("active", active).
		Int("pending_payouts", e.payouts.Len()).
		Int64("sequence", snap.Sequence).
		Msg("engine restored from snapshot")
	return nil
}

func restoreMarket(bs *BattleSnapshot) (*market, error) {
	b := bs.Battle.Clone()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	m := newMarket(b)
	for _, s := range state.Sides {
		ss := bs.Sides[s]
		pool, supply := orZero(ss.Pool), orZero(ss.Supply)
		sp, err := state.RestoreSidePool(pool, supply)
		if err != nil {
			return nil, fmt.Errorf("side %s: %w", s, err)
		}
		m.sides[s].pool = sp
		for _, h := range ss.Holders {
			m.sides[s].holdings.Mint(h.Holder, orZero(h.Balance))
		}
		if total := m.sides[s].holdings.Total(); !total.Eq(supply) {
			return nil, fmt.Errorf("side %s: holdings %s != supply %s", s, total.Dec(), supply.Dec())
		}
	}
	for _, h := range bs.Claimed {
		m.claims.MarkClaimed(h)
	}
	m.tradeSeq = bs.TradeSeq
	if bs.TradeSeq > 0 {
		m.hasher = RestoreStateHasher(bs.ChainTip)
	}
	if bs.Settlement != nil {
		m.settlement = bs.Settlement.clone()
	}
	return m, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
