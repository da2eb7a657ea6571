package projection

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// BattleStats is the per-battle activity summary.
type BattleStats struct {
	BattleID     uint64          `json:"battle_id"`
	Phase        string          `json:"phase"`
	Buys         uint64          `json:"buys"`
	Sells        uint64          `json:"sells"`
	Volume       [2]*uint256.Int `json:"volume"`
	ArtistFees   *uint256.Int    `json:"artist_fees"`
	PlatformFees *uint256.Int    `json:"platform_fees"`
	Pool         [2]*uint256.Int `json:"pool"`
	Supply       [2]*uint256.Int `json:"supply"`
	Claims       uint64          `json:"claims"`
	Claimed      *uint256.Int    `json:"claimed"`
	LastSequence int64           `json:"last_sequence"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newBattleStats(id uint64) *BattleStats {
	s := &BattleStats{
		BattleID:     id,
		ArtistFees:   new(uint256.Int),
		PlatformFees: new(uint256.Int),
		Claimed:      new(uint256.Int),
	}
	for _, side := range state.Sides {
		s.Volume[side] = new(uint256.Int)
		s.Pool[side] = new(uint256.Int)
		s.Supply[side] = new(uint256.Int)
	}
	return s
}

// Clone returns a deep copy.
func (s *BattleStats) Clone() *BattleStats {
	c := *s
	c.ArtistFees = orZero(s.ArtistFees)
	c.PlatformFees = orZero(s.PlatformFees)
	c.Claimed = orZero(s.Claimed)
	for _, side := range state.Sides {
		c.Volume[side] = orZero(s.Volume[side])
		c.Pool[side] = orZero(s.Pool[side])
		c.Supply[side] = orZero(s.Supply[side])
	}
	return &c
}

// StatsProjection folds engine outputs into BattleStats.
type StatsProjection struct {
	mu    sync.RWMutex
	stats map[uint64]*BattleStats
}

func NewStatsProjection() *StatsProjection {
	return &StatsProjection{stats: make(map[uint64]*BattleStats)}
}

// Apply folds one output and returns a copy of the stats it touched, or
// nil when the event carries no battle activity or was already applied.
func (p *StatsProjection) Apply(out core.CoreOutput) *BattleStats {
	env := out.Envelope
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats[env.BattleID]
	if s != nil && env.Sequence <= s.LastSequence {
		return nil
	}
	get := func() *BattleStats {
		if s == nil {
			s = newBattleStats(env.BattleID)
			p.stats[env.BattleID] = s
		}
		return s
	}

	switch evt := out.Event.(type) {
	case *event.BattleCreated:
		st := get()
		if st.Phase == "" {
			st.Phase = "ready"
		}

	case *event.PhaseChanged:
		get().Phase = evt.To

	case *event.Trade:
		if !evt.Side.Valid() {
			return nil
		}
		st := get()
		if evt.Kind == event.TradeKindSell {
			st.Sells++
		} else {
			st.Buys++
		}
		addTo(st.Volume[evt.Side], evt.Gross)
		addTo(st.ArtistFees, evt.ArtistFee)
		addTo(st.PlatformFees, evt.PlatformFee)
		st.Pool[evt.Side] = orZero(evt.PoolAfter)
		st.Supply[evt.Side] = orZero(evt.SupplyAfter)

	case *event.BattleSettled:
		st := get()
		st.Phase = "settled"
		st.Pool[state.SideA] = orZero(evt.FinalPoolA)
		st.Pool[state.SideB] = orZero(evt.FinalPoolB)
		st.Supply[state.SideA] = orZero(evt.SupplyA)
		st.Supply[state.SideB] = orZero(evt.SupplyB)

	case *event.ClaimPaid:
		st := get()
		st.Claims++
		addTo(st.Claimed, evt.Amount)
		subFrom(st.Pool[state.SideA], evt.ShareA)
		subFrom(st.Pool[state.SideB], evt.ShareB)
		subFrom(st.Supply[state.SideA], evt.TokensA)
		subFrom(st.Supply[state.SideB], evt.TokensB)

	default:
		return nil
	}

	s.LastSequence = env.Sequence
	s.UpdatedAt = env.Timestamp
	return s.Clone()
}

// Get returns a copy of one battle's stats.
func (p *StatsProjection) Get(battleID uint64) (*BattleStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stats[battleID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns copies of every battle's stats ordered by id.
func (p *StatsProjection) List() []*BattleStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*BattleStats, 0, len(p.stats))
	for _, s := range p.stats {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BattleID < out[j].BattleID })
	return out
}

// Reset drops all stats.
func (p *StatsProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.stats)
}

func addTo(dst, v *uint256.Int) {
	if v != nil {
		dst.Add(dst, v)
	}
}

// subFrom floors at zero.
func subFrom(dst, v *uint256.Int) {
	if v == nil {
		return
	}
	if dst.Lt(v) {
		dst.Clear()
		return
	}
	dst.Sub(dst, v)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
