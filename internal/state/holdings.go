package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Holdings tracks one side's claim-token balances within a single battle.
// Not thread-safe; guarded by the owning side's lock.
type Holdings struct {
	balances map[common.Address]*uint256.Int
}

func NewHoldings() *Holdings {
	return &Holdings{balances: make(map[common.Address]*uint256.Int)}
}

// Balance returns a copy of holder's balance (zero if absent).
func (h *Holdings) Balance(holder common.Address) *uint256.Int {
	if b, ok := h.balances[holder]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Mint credits tokens to holder.
func (h *Holdings) Mint(holder common.Address, tokens *uint256.Int) {
	if tokens.IsZero() {
		return
	}
	b, ok := h.balances[holder]
	if !ok {
		b = new(uint256.Int)
		h.balances[holder] = b
	}
	b.Add(b, tokens)
}

// Burn debits tokens from holder. Fails without mutating on insufficient balance.
func (h *Holdings) Burn(holder common.Address, tokens *uint256.Int) error {
	b, ok := h.balances[holder]
	if !ok || b.Lt(tokens) {
		have := "0"
		if ok {
			have = b.Dec()
		}
		return fmt.Errorf("holder %s: balance %s < %s", holder.Hex(), have, tokens.Dec())
	}
	b.Sub(b, tokens)
	if b.IsZero() {
		delete(h.balances, holder)
	}
	return nil
}

// Total sums every balance. Equals the side's supply at all times.
func (h *Holdings) Total() *uint256.Int {
	total := new(uint256.Int)
	for _, b := range h.balances {
		total.Add(total, b)
	}
	return total
}

// Len returns the number of holders with a non-zero balance.
func (h *Holdings) Len() int {
	return len(h.balances)
}

// Snapshot returns holder → balance copies ordered by address.
func (h *Holdings) Snapshot() []HolderBalance {
	out := make([]HolderBalance, 0, len(h.balances))
	for addr, b := range h.balances {
		var hb HolderBalance
		hb.Holder = addr
		hb.Balance.Set(b)
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Holder[:], out[j].Holder[:]) < 0
	})
	return out
}

// HolderBalance is one entry of a holdings snapshot.
type HolderBalance struct {
	Holder  common.Address
	Balance uint256.Int
}

// ClaimBook records which holders have already been paid for a battle.
// Absence means hasClaimed == false.
type ClaimBook struct {
	claimed map[common.Address]bool
}

func NewClaimBook() *ClaimBook {
	return &ClaimBook{claimed: make(map[common.Address]bool)}
}

// HasClaimed reports whether holder has already been paid.
func (c *ClaimBook) HasClaimed(holder common.Address) bool {
	return c.claimed[holder]
}

// MarkClaimed sets hasClaimed. Returns false if it was already set.
func (c *ClaimBook) MarkClaimed(holder common.Address) bool {
	if c.claimed[holder] {
		return false
	}
	c.claimed[holder] = true
	return true
}

// Claimed lists holders that have claimed, ordered by address.
func (c *ClaimBook) Claimed() []common.Address {
	out := make([]common.Address, 0, len(c.claimed))
	for addr := range c.claimed {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
