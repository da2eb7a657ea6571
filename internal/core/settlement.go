package core

import (
	"BattleLedger/internal/event"
	fpmath "BattleLedger/internal/math"
	"BattleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

const opSettle = "settle"

// settleRef is the op-ref of every settlement payout id.
const settleRef = "settle"

// SettlementResult reports the one-time redistribution of a battle. Every
// amount is derived from the losing pool and the fixed shares alone.
type SettlementResult struct {
	BattleID      uint64     `json:"battle_id"`
	WinnerIsSideA bool       `json:"winner_is_side_a"`
	Winner        state.Side `json:"winner"`

	LoserPool             *uint256.Int `json:"loser_pool"`
	LosingTradersShare    *uint256.Int `json:"losing_traders_share"`
	WinningTradersShare   *uint256.Int `json:"winning_traders_share"`
	WinningArtistEarnings *uint256.Int `json:"winning_artist_earnings"`
	LosingArtistEarnings  *uint256.Int `json:"losing_artist_earnings"`
	PlatformEarnings      *uint256.Int `json:"platform_earnings"`

	// OrphanedShare is the winning traders' share when the winning side
	// has no holders; it goes to the platform instead of the pool.
	OrphanedShare *uint256.Int `json:"orphaned_share"`

	FinalPoolA       *uint256.Int `json:"final_pool_a"`
	FinalPoolB       *uint256.Int `json:"final_pool_b"`
	WinningClaimPool *uint256.Int `json:"winning_claim_pool"`
	LosingClaimPool  *uint256.Int `json:"losing_claim_pool"`

	SettledAt time.Time `json:"settled_at"`

	Payouts        []Payout `json:"-"`
	PendingPayouts []Payout `json:"-"`
}

// Degraded reports whether any settlement payout failed.
func (r *SettlementResult) Degraded() bool {
	return len(r.PendingPayouts) > 0
}

func (r *SettlementResult) clone() *SettlementResult {
	c := *r
	for _, f := range []**uint256.Int{
		&c.LoserPool, &c.LosingTradersShare, &c.WinningTradersShare,
		&c.WinningArtistEarnings, &c.LosingArtistEarnings, &c.PlatformEarnings,
		&c.OrphanedShare, &c.FinalPoolA, &c.FinalPoolB,
		&c.WinningClaimPool, &c.LosingClaimPool,
	} {
		*f = cloneU256(*f)
	}
	c.Payouts = clonePayouts(r.Payouts)
	c.PendingPayouts = clonePayouts(r.PendingPayouts)
	return &c
}

func clonePayouts(ps []Payout) []Payout {
	if ps == nil {
		return nil
	}
	out := make([]Payout, len(ps))
	for i, p := range ps {
		out[i] = p.clone()
	}
	return out
}

// Settle redistributes the losing side's pool exactly once. Requires the
// battle's end time to have passed. Of concurrent callers exactly one
// mutates state; the rest get ErrAlreadySettled (or ErrSettlementInProgress
// while another process holds the distributed lock).
func (e *Engine) Settle(ctx context.Context, battleID uint64, winnerIsSideA bool) (*SettlementResult, error) {
	res, err := e.settle(ctx, battleID, winnerIsSideA)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SettlementRejects.WithLabelValues(classify(err).String()).Inc()
		}
		e.logger.Debug().Err(err).Uint64("battle_id", battleID).Msg("settlement rejected")
		return nil, opError(opSettle, battleID, nil, err)
	}
	return res, nil
}

func (e *Engine) settle(ctx context.Context, battleID uint64, winnerIsSideA bool) (*SettlementResult, error) {
	m, err := e.market(battleID)
	if err != nil {
		return nil, err
	}

	release := func() {}
	if e.locker != nil {
		unlock, err := e.locker.Acquire(ctx, fmt.Sprintf("settle:%d", battleID), e.cfg.SettleLockTTL)
		if errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("battle %d: %w", battleID, ErrSettlementInProgress)
		}
		if err != nil {
			return nil, fmt.Errorf("acquire settlement lock: %w", err)
		}
		release = unlock
	}

	now := e.clock.Now()
	m.lockAll()
	result, payouts, err := e.applySettlement(m, winnerIsSideA, now)
	var seq int64
	var supplies [2]*uint256.Int
	if err == nil {
		// Reserved under the locks so no claim on this battle is
		// logged ahead of its settlement.
		seq = e.reserveSequence()
		for _, s := range state.Sides {
			supplies[s] = m.sides[s].pool.Supply()
		}
	}
	m.unlockAll()
	release()
	if err != nil {
		return nil, err
	}

	e.emitAt(seq, &event.BattleSettled{
		BattleID:              battleID,
		WinnerIsSideA:         winnerIsSideA,
		LoserPool:             cloneU256(result.LoserPool),
		LosingTraders:         cloneU256(result.LosingTradersShare),
		WinningTraders:        cloneU256(result.WinningTradersShare),
		WinningArtistEarnings: cloneU256(result.WinningArtistEarnings),
		LosingArtistEarnings:  cloneU256(result.LosingArtistEarnings),
		PlatformEarnings:      cloneU256(result.PlatformEarnings),
		OrphanedShare:         cloneU256(result.OrphanedShare),
		FinalPoolA:            cloneU256(result.FinalPoolA),
		FinalPoolB:            cloneU256(result.FinalPoolB),
		SupplyA:               supplies[state.SideA],
		SupplyB:               supplies[state.SideB],
		Timestamp:             now,
	}, nil)

	all, pending := e.dispatch(ctx, payouts)
	result.Payouts = all
	result.PendingPayouts = pending

	if e.metrics != nil {
		e.metrics.Settlements.WithLabelValues(result.Winner.String()).Inc()
		e.metrics.ActiveBattles.Dec()
	}
	e.logger.Info().
		Uint64("battle_id", battleID).
		Str("winner", result.Winner.String()).
		Str("loser_pool", result.LoserPool.Dec()).
		Str("final_pool_a", result.FinalPoolA.Dec()).
		Str("final_pool_b", result.FinalPoolB.Dec()).
		Int("pending_payouts", len(pending)).
		Msg("battle settled")

	return result, nil
}

// applySettlement runs with every market lock held.
func (e *Engine) applySettlement(m *market, winnerIsSideA bool, now time.Time) (*SettlementResult, []Payout, error) {
	b := m.battle
	if b.WinnerDecided {
		return nil, nil, fmt.Errorf("battle %d: %w", b.ID, ErrAlreadySettled)
	}
	if now.Before(b.EndTime) {
		return nil, nil, fmt.Errorf("battle %d ends %s: %w", b.ID, b.EndTime.Format(time.RFC3339), ErrBattleNotEnded)
	}

	winner := state.SideB
	if winnerIsSideA {
		winner = state.SideA
	}
	loser := winner.Other()
	ws, ls := &m.sides[winner], &m.sides[loser]

	loserPool := ls.pool.Pool()
	split := fpmath.ComputeSplit(loserPool)
	if !split.Sum().Eq(loserPool) {
		panic(fmt.Sprintf("FATAL: battle %d split sums to %s, loser pool %s", b.ID, split.Sum().Dec(), loserPool.Dec()))
	}

	ls.pool.Settle(&split.LosingTraders)

	orphaned := new(uint256.Int)
	if ws.pool.Supply().IsZero() {
		// Nobody holds winning tokens; crediting the pool would strand
		// value behind zero supply.
		orphaned.Set(&split.WinningTraders)
	} else {
		winPool := ws.pool.Pool()
		ws.pool.Settle(winPool.Add(winPool, &split.WinningTraders))
	}

	for _, s := range state.Sides {
		if err := m.sides[s].pool.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: battle %d side %s after settlement: %v", b.ID, s, err))
		}
	}

	decided := winnerIsSideA
	b.WinnerDecided = true
	b.WinnerIsSideA = &decided
	b.Active = false

	result := &SettlementResult{
		BattleID:              b.ID,
		WinnerIsSideA:         winnerIsSideA,
		Winner:                winner,
		LoserPool:             loserPool,
		LosingTradersShare:    cloneU256(&split.LosingTraders),
		WinningTradersShare:   cloneU256(&split.WinningTraders),
		WinningArtistEarnings: cloneU256(&split.WinningArtist),
		LosingArtistEarnings:  cloneU256(&split.LosingArtist),
		PlatformEarnings:      cloneU256(&split.Platform),
		OrphanedShare:         orphaned,
		FinalPoolA:            m.sides[state.SideA].pool.Pool(),
		FinalPoolB:            m.sides[state.SideB].pool.Pool(),
		WinningClaimPool:      ws.pool.Pool(),
		LosingClaimPool:       ls.pool.Pool(),
		SettledAt:             now,
	}
	m.settlement = result.clone()

	var payouts []Payout
	if p, ok := e.newPayout(b, settleRef, PayoutWinningArtist, b.Sides[winner].Payout, &split.WinningArtist, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, settleRef, PayoutLosingArtist, b.Sides[loser].Payout, &split.LosingArtist, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, settleRef, PayoutPlatformShare, e.cfg.Platform, &split.Platform, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, settleRef, PayoutOrphanedShare, e.cfg.Platform, orphaned, now); ok {
		payouts = append(payouts, p)
	}
	return result, payouts, nil
}

// Settlement returns the recorded result of a settled battle.
func (e *Engine) Settlement(battleID uint64) (*SettlementResult, error) {
	m, err := e.market(battleID)
	if err != nil {
		return nil, err
	}
	m.lockSides()
	defer m.unlockSides()
	if m.settlement == nil {
		return nil, fmt.Errorf("battle %d: %w", battleID, ErrNotSettled)
	}
	return m.settlement.clone(), nil
}

// FinalPools returns both side pools, for winner policies that need them.
func (e *Engine) FinalPools(battleID uint64) (a, b *uint256.Int, err error) {
	m, err := e.market(battleID)
	if err != nil {
		return nil, nil, err
	}
	m.lockSides()
	defer m.unlockSides()
	return m.sides[state.SideA].pool.Pool(), m.sides[state.SideB].pool.Pool(), nil
}
