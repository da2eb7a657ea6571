package core_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/state"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ============================================================================
// Test: claims
// ============================================================================

func TestClaim_ExampleScenario(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()
	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	quote, err := h.engine.ClaimableAmount(id, alice)
	if err != nil || !quote.Eq(u(1_185_000)) {
		t.Fatalf("ClaimableAmount = %v, %v", quote, err)
	}

	res, err := h.engine.Claim(context.Background(), id, alice)
	if err != nil {
		t.Fatalf("Claim alice: %v", err)
	}
	if !res.Amount.Eq(u(1_185_000)) || !res.ShareA.Eq(u(1_185_000)) || !res.ShareB.IsZero() {
		t.Errorf("alice amount=%s shareA=%s shareB=%s", res.Amount.Dec(), res.ShareA.Dec(), res.ShareB.Dec())
	}
	if !res.TokensA.Eq(u(12_972)) {
		t.Errorf("alice redeemed %s tokens", res.TokensA.Dec())
	}
	if res.Payout == nil || res.Payout.ID != core.PayoutID(id, "claim-"+alice.Hex(), core.PayoutClaim) {
		t.Errorf("payout = %+v", res.Payout)
	}

	res, err = h.engine.Claim(context.Background(), id, bob)
	if err != nil || !res.Amount.Eq(u(250_000)) {
		t.Fatalf("Claim bob = %v, %v", res, err)
	}

	if got := h.xfer.Received(alice); !got.Eq(u(1_185_000)) {
		t.Errorf("alice received %s", got.Dec())
	}
	if got := h.xfer.Received(bob); !got.Eq(u(250_000)) {
		t.Errorf("bob received %s", got.Dec())
	}
	// Everything paid in has been paid out.
	if got := h.xfer.Total(); !got.Eq(u(1_507_614)) {
		t.Errorf("total paid out %s, want 1507614", got.Dec())
	}

	claimed, _ := h.engine.HasClaimed(id, alice)
	if !claimed {
		t.Error("alice not marked claimed")
	}
	bal, _ := h.engine.Balance(id, state.SideA, alice)
	if !bal.IsZero() {
		t.Errorf("alice still holds %s tokens", bal.Dec())
	}
	if quote, _ := h.engine.ClaimableAmount(id, alice); !quote.IsZero() {
		t.Errorf("claimable after claim = %s", quote.Dec())
	}
}

func TestClaim_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()
	h.engine.Settle(context.Background(), id, true)

	if _, err := h.engine.Claim(context.Background(), id, alice); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := h.engine.Claim(context.Background(), id, alice)
	if !errors.Is(err, core.ErrAlreadyClaimed) {
		t.Fatalf("second claim err = %v, want ErrAlreadyClaimed", err)
	}
	if core.KindOf(err) != core.KindDoubleClaim {
		t.Errorf("kind = %s, want double_claim", core.KindOf(err))
	}
	if got := h.xfer.Received(alice); !got.Eq(u(1_185_000)) {
		t.Errorf("alice received %s after double claim", got.Dec())
	}
}

func TestClaim_Rejections(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)

	if _, err := h.engine.Claim(context.Background(), id, alice); !errors.Is(err, core.ErrNotSettled) {
		t.Errorf("claim before settle err = %v, want ErrNotSettled", err)
	}

	h.endBattle()
	h.engine.Settle(context.Background(), id, true)

	if _, err := h.engine.Claim(context.Background(), id, carol); !errors.Is(err, core.ErrNothingToClaim) {
		t.Errorf("claim without tokens err = %v, want ErrNothingToClaim", err)
	}
	if _, err := h.engine.Claim(context.Background(), id, common.Address{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("claim for zero address err = %v, want validation", err)
	}
	// A rejected claim does not burn the holder's one claim.
	if claimed, _ := h.engine.HasClaimed(id, carol); claimed {
		t.Error("carol marked claimed after a rejected claim")
	}
}

func TestClaim_LastClaimantTakesRemainder(t *testing.T) {
	for _, order := range [][]common.Address{{alice, carol}, {carol, alice}} {
		h := newHarness(t)
		id := h.createBattle(t)
		h.buy(t, id, state.SideA, alice, 1_000_000)
		h.buy(t, id, state.SideA, carol, 1_000_000)
		h.buy(t, id, state.SideB, bob, 507_614)
		h.endBattle()
		if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
			t.Fatalf("Settle: %v", err)
		}

		// Winning pool 1,970,000 + 200,000 over supply 12,972 + 7,620.
		want := map[common.Address]uint64{}
		if order[0] == alice {
			want[alice], want[carol] = 1_366_998, 803_002
		} else {
			want[carol], want[alice] = 803_001, 1_366_999
		}

		total := new(uint256.Int)
		for _, holder := range order {
			res, err := h.engine.Claim(context.Background(), id, holder)
			if err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if !res.Amount.Eq(u(want[holder])) {
				t.Errorf("order %v: %s got %s, want %d", order[0].Hex(), holder.Hex(), res.Amount.Dec(), want[holder])
			}
			total.Add(total, res.Amount)
		}
		if !total.Eq(u(2_170_000)) {
			t.Errorf("claims sum to %s, want the whole pool 2170000", total.Dec())
		}
		a, _ := h.pools(t, id)
		if !a.IsZero() {
			t.Errorf("side A pool %s after every holder claimed", a.Dec())
		}
	}
}

func TestClaim_HolderOnBothSides(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.buy(t, id, state.SideB, alice, 507_614)
	h.endBattle()
	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	res, err := h.engine.Claim(context.Background(), id, alice)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.ShareA.IsZero() || res.ShareB.IsZero() {
		t.Errorf("shares A=%s B=%s, want both positive", res.ShareA.Dec(), res.ShareB.Dec())
	}
	sum := new(uint256.Int).Add(res.ShareA, res.ShareB)
	if !res.Amount.Eq(sum) {
		t.Errorf("amount %s != shares %s", res.Amount.Dec(), sum.Dec())
	}
	if len(h.xfer.Delivered()) == 0 {
		t.Fatal("nothing delivered")
	}
	if _, err := h.engine.Claim(context.Background(), id, alice); !errors.Is(err, core.ErrAlreadyClaimed) {
		t.Errorf("second claim err = %v", err)
	}
}

func TestClaim_ConcurrentHolders(t *testing.T) {
	const holders = 24

	h := newHarness(t)
	id := h.createBattle(t)
	addrs := make([]common.Address, holders)
	for i := range addrs {
		addrs[i] = common.BigToAddress(uint256.NewInt(uint64(5000 + i)).ToBig())
		side := state.SideA
		if i%3 == 0 {
			side = state.SideB
		}
		h.buy(t, id, side, addrs[i], uint64(10_000+i*7_919))
	}
	h.endBattle()
	res, err := h.engine.Settle(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	settled := new(uint256.Int).Add(res.FinalPoolA, res.FinalPoolB)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := new(uint256.Int)
	for _, addr := range addrs {
		// Every holder races itself once to exercise the claim-once check.
		for rep := 0; rep < 2; rep++ {
			wg.Add(1)
			go func(addr common.Address) {
				defer wg.Done()
				r, err := h.engine.Claim(context.Background(), id, addr)
				if errors.Is(err, core.ErrAlreadyClaimed) {
					return
				}
				if err != nil {
					t.Errorf("claim %s: %v", addr.Hex(), err)
					return
				}
				mu.Lock()
				claimed.Add(claimed, r.Amount)
				mu.Unlock()
			}(addr)
		}
	}
	wg.Wait()

	if !claimed.Eq(settled) {
		t.Errorf("claimed %s, settled pools %s", claimed.Dec(), settled.Dec())
	}
	for _, addr := range addrs {
		if got := h.xfer.Attempts(core.PayoutID(id, "claim-"+addr.Hex(), core.PayoutClaim)); got != 1 {
			t.Errorf("%s claim transfer attempted %d times", addr.Hex(), got)
		}
	}
}
