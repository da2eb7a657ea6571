package core_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"context"
	"testing"
	"time"
)

// ============================================================================
// Test: payout failure and retry
// ============================================================================

func TestPayout_FailureDegradesButCommits(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)
	h.xfer.FailKind(core.PayoutPlatformFee, true)

	res := h.buy(t, id, state.SideA, alice, 1_000_000)
	if !res.Degraded() {
		t.Fatal("trade not degraded with a failing platform transfer")
	}
	if len(res.PendingPayouts) != 1 || res.PendingPayouts[0].Kind != core.PayoutPlatformFee {
		t.Fatalf("pending = %+v", res.PendingPayouts)
	}
	p := res.PendingPayouts[0]
	if p.Status != event.PayoutFailed || p.Attempts != 1 || p.LastError == "" {
		t.Errorf("pending payout = %+v", p)
	}

	// The ledger effect stands.
	poolA, _ := h.pools(t, id)
	if !poolA.Eq(u(985_000)) {
		t.Errorf("pool = %s, want 985000", poolA.Dec())
	}
	if got := h.xfer.Received(artistA); !got.Eq(u(10_000)) {
		t.Errorf("artist fee %s should still be delivered", got.Dec())
	}
	if len(h.engine.PendingPayouts()) != 1 {
		t.Errorf("queue length = %d, want 1", len(h.engine.PendingPayouts()))
	}
}

func TestPayout_RetryDelivers(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()

	h.xfer.SetFailing(true)
	res, err := h.engine.Settle(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(res.PendingPayouts) != 3 {
		t.Fatalf("pending = %d, want 3 settlement payouts", len(res.PendingPayouts))
	}

	// Still failing: nothing drains.
	sent, failed := h.engine.RetryPending(context.Background())
	if sent != 0 || len(failed) != 3 {
		t.Fatalf("retry while failing sent=%d failed=%d", sent, len(failed))
	}
	for _, p := range failed {
		if p.Attempts != 2 {
			t.Errorf("payout %s attempts = %d, want 2", p.ID, p.Attempts)
		}
	}

	h.xfer.SetFailing(false)
	sent, failed = h.engine.RetryPending(context.Background())
	if sent != 3 || len(failed) != 0 {
		t.Fatalf("retry sent=%d failed=%d, want 3/0", sent, len(failed))
	}
	if len(h.engine.PendingPayouts()) != 0 {
		t.Error("queue not empty after successful retry")
	}
	if got := h.xfer.Received(platform); !got.Eq(u(5_000 + 2_538 + 15_000)) {
		t.Errorf("platform received %s", got.Dec())
	}

	// Nothing left to send.
	if sent, _ := h.engine.RetryPending(context.Background()); sent != 0 {
		t.Errorf("empty retry sent %d", sent)
	}
}

func TestPayout_RetryIsIdempotentAtTransferrer(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()
	h.xfer.FailKind(core.PayoutLosingArtist, true)
	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	h.xfer.FailKind(core.PayoutLosingArtist, false)
	h.engine.RetryPending(context.Background())
	h.engine.RetryPending(context.Background())

	pid := core.PayoutID(id, "settle", core.PayoutLosingArtist)
	if got := h.xfer.Attempts(pid); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if got := h.xfer.Received(artistB); !got.Eq(u(5_076 + 10_000)) {
		t.Errorf("artist B received %s, want 15076", got.Dec())
	}
}

func TestPayout_CancelledRetryRequeues(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)
	h.xfer.SetFailing(true)
	h.buy(t, id, state.SideA, alice, 1_000_000)
	h.xfer.SetFailing(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, failed := h.engine.RetryPending(ctx)
	if sent != 0 || len(failed) != 2 {
		t.Fatalf("cancelled retry sent=%d failed=%d", sent, len(failed))
	}
	if len(h.engine.PendingPayouts()) != 2 {
		t.Errorf("queue = %d after cancelled retry, want 2", len(h.engine.PendingPayouts()))
	}
	if sent, _ := h.engine.RetryPending(context.Background()); sent != 2 {
		t.Errorf("follow-up retry sent %d, want 2", sent)
	}
}

func TestPayout_EmitsStatusEvents(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)
	h.drain()
	h.xfer.FailKind(core.PayoutArtistFee, true)
	h.buy(t, id, state.SideA, alice, 1_000_000)

	statuses := map[string]event.PayoutStatus{}
	for _, o := range h.drain() {
		if pu, ok := o.Event.(*event.PayoutUpdated); ok {
			statuses[pu.Kind] = pu.Status
		}
	}
	if statuses["artist_fee"] != event.PayoutFailed || statuses["platform_fee"] != event.PayoutSent {
		t.Errorf("statuses = %v", statuses)
	}

	h.xfer.FailKind(core.PayoutArtistFee, false)
	h.clock.Set(h.clock.Now().Add(time.Second))
	h.engine.RetryPending(context.Background())
	for _, o := range h.drain() {
		if pu, ok := o.Event.(*event.PayoutUpdated); ok && pu.Kind == "artist_fee" {
			if pu.Status != event.PayoutSent || pu.Attempts != 2 {
				t.Errorf("retry event = %+v", pu)
			}
		}
	}
}
