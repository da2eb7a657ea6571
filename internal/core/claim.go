package core

import (
	"BattleLedger/internal/event"
	fpmath "BattleLedger/internal/math"
	"BattleLedger/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const opClaim = "claim"

// ClaimResult is a holder's settled payout. Payout is nil when the holder's
// tokens were worth nothing (e.g. the side's claim pool was empty).
type ClaimResult struct {
	BattleID       uint64
	Holder         common.Address
	TokensA        *uint256.Int
	TokensB        *uint256.Int
	ShareA         *uint256.Int
	ShareB         *uint256.Int
	Amount         *uint256.Int
	Payout         *Payout
	PendingPayouts []Payout
}

// Degraded reports whether the claim transfer failed and awaits retry.
func (r *ClaimResult) Degraded() bool {
	return len(r.PendingPayouts) > 0
}

// Claim pays holder floor(balance * pool / supply) on each side they hold,
// burns the redeemed tokens and marks the holder as claimed. A holder is
// paid at most once per battle.
//
// Redeeming shrinks pool and supply together, so the last claimant on a
// side receives exactly what remains and the side never pays out more than
// its settled pool.
func (e *Engine) Claim(ctx context.Context, battleID uint64, holder common.Address) (*ClaimResult, error) {
	res, err := e.claim(ctx, battleID, holder)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ClaimRejects.WithLabelValues(classify(err).String()).Inc()
		}
		return nil, opError(opClaim, battleID, nil, err)
	}
	if e.metrics != nil {
		e.metrics.ClaimsPaid.Inc()
	}
	e.logger.Info().
		Uint64("battle_id", battleID).
		Str("holder", holder.Hex()).
		Str("amount", res.Amount.Dec()).
		Bool("degraded", res.Degraded()).
		Msg("claim paid")
	return res, nil
}

func (e *Engine) claim(ctx context.Context, battleID uint64, holder common.Address) (*ClaimResult, error) {
	if holder == (common.Address{}) {
		return nil, fmt.Errorf("%w: holder address required", ErrValidation)
	}
	m, err := e.market(battleID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	m.lockAll()
	res, payout, err := e.applyClaim(m, holder, now)
	var seq int64
	if err == nil {
		seq = e.reserveSequence()
	}
	m.unlockAll()
	if err != nil {
		return nil, err
	}

	e.emitAt(seq, &event.ClaimPaid{
		BattleID:  battleID,
		Holder:    holder,
		TokensA:   cloneU256(res.TokensA),
		TokensB:   cloneU256(res.TokensB),
		ShareA:    cloneU256(res.ShareA),
		ShareB:    cloneU256(res.ShareB),
		Amount:    cloneU256(res.Amount),
		Timestamp: now,
	}, nil)

	if payout != nil {
		all, pending := e.dispatch(ctx, []Payout{*payout})
		res.Payout = &all[0]
		res.PendingPayouts = pending
	}
	return res, nil
}

// applyClaim runs with every market lock held.
func (e *Engine) applyClaim(m *market, holder common.Address, now time.Time) (*ClaimResult, *Payout, error) {
	b := m.battle
	if !b.WinnerDecided {
		return nil, nil, fmt.Errorf("battle %d: %w", b.ID, ErrNotSettled)
	}
	if m.claims.HasClaimed(holder) {
		return nil, nil, fmt.Errorf("battle %d holder %s: %w", b.ID, holder.Hex(), ErrAlreadyClaimed)
	}

	var balances, shares [2]*uint256.Int
	for _, s := range state.Sides {
		balances[s] = m.sides[s].holdings.Balance(holder)
		shares[s] = new(uint256.Int)
	}
	if balances[state.SideA].IsZero() && balances[state.SideB].IsZero() {
		return nil, nil, fmt.Errorf("battle %d holder %s: %w", b.ID, holder.Hex(), ErrNothingToClaim)
	}

	// Compute every share before mutating anything.
	for _, s := range state.Sides {
		sb := &m.sides[s]
		supply := sb.pool.Supply()
		if balances[s].IsZero() || supply.IsZero() {
			continue
		}
		shares[s] = fpmath.MulDiv(balances[s], sb.pool.Pool(), supply)
	}

	for _, s := range state.Sides {
		if balances[s].IsZero() {
			continue
		}
		sb := &m.sides[s]
		if err := sb.pool.Redeem(shares[s], balances[s]); err != nil {
			panic(fmt.Sprintf("FATAL: battle %d side %s redeem: %v", b.ID, s, err))
		}
		if err := sb.holdings.Burn(holder, balances[s]); err != nil {
			panic(fmt.Sprintf("FATAL: battle %d side %s burn: %v", b.ID, s, err))
		}
		if err := sb.pool.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: battle %d side %s after claim: %v", b.ID, s, err))
		}
	}
	m.claims.MarkClaimed(holder)

	amount := new(uint256.Int).Add(shares[state.SideA], shares[state.SideB])
	res := &ClaimResult{
		BattleID: b.ID,
		Holder:   holder,
		TokensA:  balances[state.SideA],
		TokensB:  balances[state.SideB],
		ShareA:   shares[state.SideA],
		ShareB:   shares[state.SideB],
		Amount:   amount,
	}

	p, ok := e.newPayout(b, claimRef(holder), PayoutClaim, holder, amount, now)
	if !ok {
		return res, nil, nil
	}
	return res, &p, nil
}

func claimRef(holder common.Address) string {
	return "claim-" + holder.Hex()
}

// ClaimableAmount quotes what Claim would pay holder right now. Zero once
// the holder has claimed.
func (e *Engine) ClaimableAmount(battleID uint64, holder common.Address) (*uint256.Int, error) {
	m, err := e.market(battleID)
	if err != nil {
		return nil, err
	}
	m.lockSides()
	defer m.unlockSides()

	if !m.battle.WinnerDecided {
		return nil, fmt.Errorf("battle %d: %w", battleID, ErrNotSettled)
	}
	total := new(uint256.Int)
	if m.claims.HasClaimed(holder) {
		return total, nil
	}
	for _, s := range state.Sides {
		sb := &m.sides[s]
		bal := sb.holdings.Balance(holder)
		supply := sb.pool.Supply()
		if bal.IsZero() || supply.IsZero() {
			continue
		}
		total.Add(total, fpmath.MulDiv(bal, sb.pool.Pool(), supply))
	}
	return total, nil
}
