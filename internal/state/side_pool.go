package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// SidePool is one side's accumulated value and outstanding token supply.
// Fields are only reachable through the trade, settlement and claim
// mutators below, so every change is attributable to one of them.
type SidePool struct {
	pool   uint256.Int
	supply uint256.Int
}

// RestoreSidePool rebuilds a pool from a snapshot.
func RestoreSidePool(pool, supply *uint256.Int) (SidePool, error) {
	sp := SidePool{}
	sp.pool.Set(pool)
	sp.supply.Set(supply)
	return sp, sp.Validate()
}

// Pool returns a copy of the pool value.
func (sp *SidePool) Pool() *uint256.Int {
	return new(uint256.Int).Set(&sp.pool)
}

// Supply returns a copy of the outstanding supply.
func (sp *SidePool) Supply() *uint256.Int {
	return new(uint256.Int).Set(&sp.supply)
}

// Mint records a buy: pool += net, supply += tokens.
func (sp *SidePool) Mint(net, tokens *uint256.Int) {
	sp.pool.Add(&sp.pool, net)
	sp.supply.Add(&sp.supply, tokens)
}

// Burn records a sell: pool -= gross, supply -= tokens. When the burn
// retires the last token, whatever rounding residue is left in the pool is
// zeroed and returned as dust so that supply == 0 implies pool == 0.
func (sp *SidePool) Burn(gross, tokens *uint256.Int) (*uint256.Int, error) {
	if gross.Gt(&sp.pool) {
		return nil, fmt.Errorf("burn %s exceeds pool %s", gross.Dec(), sp.pool.Dec())
	}
	if tokens.Gt(&sp.supply) {
		return nil, fmt.Errorf("burn %s tokens exceeds supply %s", tokens.Dec(), sp.supply.Dec())
	}

	sp.pool.Sub(&sp.pool, gross)
	sp.supply.Sub(&sp.supply, tokens)

	dust := new(uint256.Int)
	if sp.supply.IsZero() {
		dust.Set(&sp.pool)
		sp.pool.Clear()
	}
	return dust, nil
}

// Redeem records a post-settlement claim: pool -= share, supply -= tokens.
// Redeeming the last tokens drains the pool entirely.
func (sp *SidePool) Redeem(share, tokens *uint256.Int) error {
	if share.Gt(&sp.pool) || tokens.Gt(&sp.supply) {
		return fmt.Errorf("redeem %s/%s exceeds pool %s/%s",
			share.Dec(), tokens.Dec(), sp.pool.Dec(), sp.supply.Dec())
	}
	sp.pool.Sub(&sp.pool, share)
	sp.supply.Sub(&sp.supply, tokens)
	return nil
}

// Settle replaces the pool with its post-settlement claimable value.
func (sp *SidePool) Settle(claimable *uint256.Int) {
	sp.pool.Set(claimable)
}

// Validate checks supply == 0 ⇒ pool == 0.
func (sp *SidePool) Validate() error {
	if sp.supply.IsZero() && !sp.pool.IsZero() {
		return fmt.Errorf("pool %s with zero supply", sp.pool.Dec())
	}
	return nil
}
