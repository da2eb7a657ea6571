package core_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Test: snapshot and restore
// ============================================================================

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	open := setupDuel(t, h)
	settled := setupDuel(t, h)
	h.buy(t, open, state.SideA, carol, 250_000)

	h.xfer.SetFailing(true)
	h.endBattle()
	if _, err := h.engine.Settle(context.Background(), settled, true); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if _, err := h.engine.Claim(context.Background(), settled, alice); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	h.xfer.SetFailing(false)

	raw, err := json.Marshal(h.engine.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var snap core.EngineSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	r := newHarness(t)
	r.clock.Set(h.clock.Now())
	if err := r.engine.Restore(&snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for _, id := range []uint64{open, settled} {
		want, _ := h.engine.Battle(id)
		got, err := r.engine.Battle(id)
		if err != nil {
			t.Fatalf("restored Battle(%d): %v", id, err)
		}
		for _, s := range state.Sides {
			if !got.Sides[s].Pool.Eq(want.Sides[s].Pool) || !got.Sides[s].Supply.Eq(want.Sides[s].Supply) {
				t.Errorf("battle %d side %s pool/supply %s/%s, want %s/%s", id, s,
					got.Sides[s].Pool.Dec(), got.Sides[s].Supply.Dec(), want.Sides[s].Pool.Dec(), want.Sides[s].Supply.Dec())
			}
		}
		if got.ChainTip != want.ChainTip || got.TradeCount != want.TradeCount {
			t.Errorf("battle %d chain %s/%d, want %s/%d", id, got.ChainTip, got.TradeCount, want.ChainTip, want.TradeCount)
		}
		if got.Battle.WinnerDecided != want.Battle.WinnerDecided || got.Battle.Active != want.Battle.Active {
			t.Errorf("battle %d flags differ after restore", id)
		}
	}

	if r.engine.Sequence() != h.engine.Sequence() {
		t.Errorf("sequence %d, want %d", r.engine.Sequence(), h.engine.Sequence())
	}
	if got := len(r.engine.PendingPayouts()); got != 4 {
		t.Errorf("pending payouts = %d, want 3 settlement + 1 claim", got)
	}
	if claimed, _ := r.engine.HasClaimed(settled, alice); !claimed {
		t.Error("claim book lost in restore")
	}
	if _, err := r.engine.Claim(context.Background(), settled, alice); !errors.Is(err, core.ErrAlreadyClaimed) {
		t.Errorf("restored double claim err = %v", err)
	}

	// The restored engine keeps extending the same chain and id space.
	r.clock.Set(t0.Add(30 * time.Minute))
	res := r.buy(t, open, state.SideB, carol, 1_000)
	if res.Trade.Sequence != 4 {
		t.Errorf("next trade sequence = %d, want 4", res.Trade.Sequence)
	}
	if id := r.engine.ReserveBattleID(); id <= settled {
		t.Errorf("reserved id %d collides with restored battles", id)
	}

	sent, failed := r.engine.RetryPending(context.Background())
	if sent != 4 || len(failed) != 0 {
		t.Errorf("retry after restore sent=%d failed=%d", sent, len(failed))
	}
}

func TestRestore_RefusesNonEmptyEngine(t *testing.T) {
	h := newHarness(t)
	h.createBattle(t)
	snap := h.engine.Snapshot()
	if err := h.engine.Restore(snap); err == nil {
		t.Fatal("restore into an engine with battles succeeded")
	}
}

func TestRestore_RejectsInconsistentHoldings(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)
	h.buy(t, id, state.SideA, alice, 1_000_000)
	snap := h.engine.Snapshot()
	snap.Battles[0].Sides[state.SideA].Supply = u(1)

	r := newHarness(t)
	if err := r.engine.Restore(snap); err == nil {
		t.Fatal("restore accepted holdings that do not sum to supply")
	}
}
