package core_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// setupDuel funds side A with alice's 1,000,000 buy and side B with bob's
// buy whose net is exactly 500,000.
func setupDuel(t *testing.T, h *harness) uint64 {
	t.Helper()
	id := h.createBattle(t)
	h.buy(t, id, state.SideA, alice, 1_000_000)
	h.buy(t, id, state.SideB, bob, 507_614)
	a, b := h.pools(t, id)
	if !a.Eq(u(985_000)) || !b.Eq(u(500_000)) {
		t.Fatalf("setup pools %s/%s, want 985000/500000", a.Dec(), b.Dec())
	}
	return id
}

// ============================================================================
// Test: settlement
// ============================================================================

func TestSettle_RedistributesLoserPool(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()

	res, err := h.engine.Settle(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	checks := []struct {
		name string
		got  *uint256.Int
		want uint64
	}{
		{"loser pool", res.LoserPool, 500_000},
		{"losing traders", res.LosingTradersShare, 250_000},
		{"winning traders", res.WinningTradersShare, 200_000},
		{"winning artist", res.WinningArtistEarnings, 25_000},
		{"losing artist", res.LosingArtistEarnings, 10_000},
		{"platform", res.PlatformEarnings, 15_000},
		{"orphaned", res.OrphanedShare, 0},
		{"final pool A", res.FinalPoolA, 1_185_000},
		{"final pool B", res.FinalPoolB, 250_000},
		{"winning claim pool", res.WinningClaimPool, 1_185_000},
		{"losing claim pool", res.LosingClaimPool, 250_000},
	}
	for _, c := range checks {
		if !c.got.Eq(u(c.want)) {
			t.Errorf("%s = %s, want %d", c.name, c.got.Dec(), c.want)
		}
	}
	if res.Winner != state.SideA || !res.WinnerIsSideA {
		t.Errorf("winner = %s", res.Winner)
	}

	if got := h.xfer.Received(artistA); !got.Eq(u(10_000 + 25_000)) {
		t.Errorf("artist A received %s, want 35000", got.Dec())
	}
	if got := h.xfer.Received(artistB); !got.Eq(u(5_076 + 10_000)) {
		t.Errorf("artist B received %s, want 15076", got.Dec())
	}
	if got := h.xfer.Received(platform); !got.Eq(u(5_000 + 2_538 + 15_000)) {
		t.Errorf("platform received %s, want 22538", got.Dec())
	}

	v, _ := h.engine.Battle(id)
	if v.Battle.Active || !v.Battle.WinnerDecided {
		t.Errorf("flags active=%v decided=%v, want false/true", v.Battle.Active, v.Battle.WinnerDecided)
	}
	if w, ok := v.Battle.Winner(); !ok || w != state.SideA {
		t.Errorf("Winner() = %s, %v", w, ok)
	}
	// Supplies are untouched by settlement.
	if !v.Sides[state.SideA].Supply.Eq(u(12_972)) || !v.Sides[state.SideB].Supply.Eq(u(8_254)) {
		t.Errorf("supplies %s/%s", v.Sides[state.SideA].Supply.Dec(), v.Sides[state.SideB].Supply.Dec())
	}

	recorded, err := h.engine.Settlement(id)
	if err != nil || !recorded.FinalPoolA.Eq(u(1_185_000)) {
		t.Errorf("Settlement() = %v, %v", recorded, err)
	}
}

func TestSettle_SideBWins(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()

	res, err := h.engine.Settle(context.Background(), id, false)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// Loser pool 985,000: 40% = 394,000 to B, 50% stays with A.
	if !res.FinalPoolB.Eq(u(500_000+394_000)) || !res.FinalPoolA.Eq(u(492_500)) {
		t.Errorf("final pools A=%s B=%s", res.FinalPoolA.Dec(), res.FinalPoolB.Dec())
	}
	if got := h.xfer.Received(artistB); !got.Eq(u(5_076 + 49_250)) {
		t.Errorf("artist B received %s", got.Dec())
	}
}

func TestSettle_ExactlyOnce(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()

	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	paid := h.xfer.Total()

	_, err := h.engine.Settle(context.Background(), id, false)
	if !errors.Is(err, core.ErrAlreadySettled) {
		t.Fatalf("second settle err = %v, want ErrAlreadySettled", err)
	}
	if core.KindOf(err) != core.KindIdempotency {
		t.Errorf("kind = %s", core.KindOf(err))
	}
	if !h.xfer.Total().Eq(paid) {
		t.Error("second settle moved funds")
	}
	a, b := h.pools(t, id)
	if !a.Eq(u(1_185_000)) || !b.Eq(u(250_000)) {
		t.Errorf("pools changed to %s/%s", a.Dec(), b.Dec())
	}
}

func TestSettle_ConcurrentCallersOneWins(t *testing.T) {
	const callers = 16

	h := newHarness(t)
	id := setupDuel(t, h)
	h.endBattle()

	var wins, dupes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Settle(context.Background(), id, i%2 == 0)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrAlreadySettled):
				dupes.Add(1)
			default:
				t.Errorf("settle: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || dupes.Load() != callers-1 {
		t.Errorf("wins=%d dupes=%d, want 1/%d", wins.Load(), dupes.Load(), callers-1)
	}
	a, b := h.pools(t, id)
	sum := new(uint256.Int).Add(a, b)
	if got := sum.Add(sum, h.xfer.Total()); !got.Eq(u(1_507_614)) {
		t.Errorf("pools + payouts = %s, want total paid in 1507614", got.Dec())
	}
}

func TestSettle_BeforeEnd(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)

	_, err := h.engine.Settle(context.Background(), id, true)
	if !errors.Is(err, core.ErrBattleNotEnded) {
		t.Fatalf("err = %v, want ErrBattleNotEnded", err)
	}

	// Settling at exactly the end time is allowed.
	h.clock.Set(t0.Add(time.Hour))
	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("settle at end: %v", err)
	}
}

func TestSettle_StopsTrading(t *testing.T) {
	h := newHarness(t)
	id := setupDuel(t, h)
	h.clock.Set(t0.Add(time.Hour))
	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	_, err := h.engine.Buy(context.Background(), core.BuyRequest{
		BattleID: id, Side: state.SideA, Trader: carol, Payment: u(1_000), Deadline: h.clock.Now().Add(time.Minute),
	})
	if !errors.Is(err, core.ErrBattleInactive) {
		t.Errorf("buy after settle err = %v, want ErrBattleInactive", err)
	}
}

func TestSettle_EmptyWinnerOrphansShare(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)
	h.buy(t, id, state.SideB, bob, 507_614)
	h.endBattle()

	res, err := h.engine.Settle(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.OrphanedShare.Eq(u(200_000)) {
		t.Errorf("orphaned = %s, want 200000", res.OrphanedShare.Dec())
	}
	if !res.FinalPoolA.IsZero() {
		t.Errorf("winner pool = %s with zero supply", res.FinalPoolA.Dec())
	}
	if p, ok := h.xfer.Payout(core.PayoutID(id, "settle", core.PayoutOrphanedShare)); !ok || p.Recipient != platform {
		t.Errorf("orphaned payout = %+v, %v", p, ok)
	}
	// Losing holders still redeem their half.
	c, err := h.engine.Claim(context.Background(), id, bob)
	if err != nil || !c.Amount.Eq(u(250_000)) {
		t.Errorf("claim = %v, %v", c, err)
	}
}

func TestSettle_EmptyBattle(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)
	h.endBattle()
	h.drain()

	res, err := h.engine.Settle(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.LoserPool.IsZero() || len(res.Payouts) != 0 {
		t.Errorf("empty battle loser pool %s payouts %d", res.LoserPool.Dec(), len(res.Payouts))
	}
	outs := h.drain()
	if len(outs) != 1 || outs[0].Envelope.EventType != event.EventTypeBattleSettled {
		t.Errorf("outputs = %d, want only BattleSettled", len(outs))
	}
}

type stubLocker struct {
	held atomic.Bool
	keys []string
	mu   sync.Mutex
}

func (l *stubLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	if !l.held.CompareAndSwap(false, true) {
		return nil, core.ErrLockHeld
	}
	return func() { l.held.Store(false) }, nil
}

func TestSettle_DistributedLock(t *testing.T) {
	lock := &stubLocker{}
	h := newHarnessWith(t, core.Deps{Locker: lock})
	id := setupDuel(t, h)
	h.endBattle()

	// Another process holds the lease.
	lock.held.Store(true)
	_, err := h.engine.Settle(context.Background(), id, true)
	if !errors.Is(err, core.ErrSettlementInProgress) {
		t.Fatalf("err = %v, want ErrSettlementInProgress", err)
	}
	v, _ := h.engine.Battle(id)
	if v.Battle.WinnerDecided {
		t.Fatal("settled without the lock")
	}

	lock.held.Store(false)
	if _, err := h.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if lock.held.Load() {
		t.Error("lock not released after settlement")
	}
	if lock.keys[0] != "settle:1" {
		t.Errorf("lock key = %q, want settle:1", lock.keys[0])
	}
}

// ============================================================================
// Test: conservation
// ============================================================================

func TestConservation_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createBattle(t)

	paidIn := uint64(0)
	buys := []struct {
		side   state.Side
		trader int
		amount uint64
	}{
		{state.SideA, 0, 1_000_000}, {state.SideB, 1, 507_614}, {state.SideA, 2, 333_333},
		{state.SideB, 2, 1_234_567}, {state.SideA, 1, 99_999}, {state.SideB, 0, 4_000_000},
	}
	traders := []common.Address{alice, bob, carol}
	for _, b := range buys {
		h.buy(t, id, b.side, traders[b.trader], b.amount)
		paidIn += b.amount
	}
	bal, _ := h.engine.Balance(id, state.SideB, carol)
	h.sell(t, id, state.SideB, carol, new(uint256.Int).Rsh(bal, 1))

	h.endBattle()
	if _, err := h.engine.Settle(context.Background(), id, false); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	for _, tr := range traders {
		if _, err := h.engine.Claim(context.Background(), id, tr); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}

	a, b := h.pools(t, id)
	held := new(uint256.Int).Add(a, b)
	out := h.xfer.Total()
	if got := new(uint256.Int).Add(held, out); !got.Eq(u(paidIn)) {
		t.Errorf("held %s + paid out %s != paid in %d", held.Dec(), out.Dec(), paidIn)
	}
	// Every holder claimed, so the last claimant on each side took the
	// exact remainder.
	if !held.IsZero() {
		t.Errorf("pools hold %s after every holder claimed", held.Dec())
	}
}
