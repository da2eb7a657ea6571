package lifecycle_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/state"
	"BattleLedger/internal/testutil"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	platform = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	artistA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	artistB  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// flakyMarket fails the first failures settle calls.
type flakyMarket struct {
	*core.Engine
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyMarket) Settle(ctx context.Context, id uint64, winnerIsSideA bool) (*core.SettlementResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, testutil.ErrInjected
	}
	return f.Engine.Settle(ctx, id, winnerIsSideA)
}

func (f *flakyMarket) settleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	clock   *testutil.FakeClock
	engine  *core.Engine
	market  *flakyMarket
	content *testutil.FakeContent
	mgr     *lifecycle.Manager
	out     chan core.CoreOutput
}

func newFixture(t *testing.T, failures int) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	out := make(chan core.CoreOutput, 1024)

	cfg := core.DefaultConfig()
	cfg.Platform = platform
	cfg.IdempotencyCapacity = 64
	engine, err := core.NewEngine(cfg, core.Deps{
		Clock:      clock,
		Transfer:   testutil.NewFakeTransferrer(),
		Projection: out,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	market := &flakyMarket{Engine: engine, failures: failures}
	content := testutil.NewFakeContent()
	content.Set("artist-a", 3*time.Minute)
	content.Set("artist-b", 4*time.Minute)

	mgr, err := lifecycle.NewManager(lifecycle.DefaultConfig(), lifecycle.Deps{
		Market:    market,
		Scheduler: clock,
		Content:   content,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	return &fixture{clock: clock, engine: engine, market: market, content: content, mgr: mgr, out: out}
}

func launchRequest() lifecycle.LaunchRequest {
	return lifecycle.LaunchRequest{
		Sides: [2]state.SideInfo{
			{ParticipantID: "artist-a", Payout: artistA},
			{ParticipantID: "artist-b", Payout: artistB},
		},
	}
}

func (f *fixture) phase(t *testing.T, id uint64) lifecycle.Phase {
	t.Helper()
	p, err := f.mgr.Phase(id)
	if err != nil {
		t.Fatalf("Phase: %v", err)
	}
	return p
}

func (f *fixture) phaseEvents() []string {
	var to []string
	for {
		select {
		case o := <-f.out:
			if pc, ok := o.Event.(*event.PhaseChanged); ok {
				to = append(to, pc.To)
			}
		default:
			return to
		}
	}
}

func (f *fixture) buy(t *testing.T, id uint64, side state.Side, trader common.Address, amount uint64) {
	t.Helper()
	_, err := f.engine.Buy(context.Background(), core.BuyRequest{
		BattleID: id,
		Side:     side,
		Trader:   trader,
		Payment:  uint256.NewInt(amount),
		Deadline: f.clock.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
}

// ============================================================================
// Test: phase transitions
// ============================================================================

func TestPhase_Transitions(t *testing.T) {
	allowed := []struct{ from, to lifecycle.Phase }{
		{lifecycle.PhaseInitializing, lifecycle.PhaseReady},
		{lifecycle.PhaseInitializing, lifecycle.PhaseFailed},
		{lifecycle.PhaseReady, lifecycle.PhaseActive},
		{lifecycle.PhaseReady, lifecycle.PhaseFailed},
		{lifecycle.PhaseActive, lifecycle.PhaseEnding},
		{lifecycle.PhaseEnding, lifecycle.PhaseSettled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s → %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to lifecycle.Phase }{
		{lifecycle.PhaseInitializing, lifecycle.PhaseActive},
		{lifecycle.PhaseActive, lifecycle.PhaseFailed},
		{lifecycle.PhaseActive, lifecycle.PhaseSettled},
		{lifecycle.PhaseEnding, lifecycle.PhaseActive},
		{lifecycle.PhaseSettled, lifecycle.PhaseEnding},
		{lifecycle.PhaseFailed, lifecycle.PhaseReady},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s → %s should be denied", tc.from, tc.to)
		}
	}

	if !lifecycle.PhaseSettled.IsTerminal() || !lifecycle.PhaseFailed.IsTerminal() || lifecycle.PhaseEnding.IsTerminal() {
		t.Error("terminal phases misreported")
	}
}

// ============================================================================
// Test: launch
// ============================================================================

func TestLaunch_ImmediateStartUsesLongestContent(t *testing.T) {
	f := newFixture(t, 0)

	id, err := f.mgr.Launch(context.Background(), launchRequest())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := f.phase(t, id); got != lifecycle.PhaseActive {
		t.Fatalf("phase = %s, want active", got)
	}
	if calls := f.content.Calls(); len(calls) != 2 || calls[0] != "artist-a" || calls[1] != "artist-b" {
		t.Errorf("content calls = %v", calls)
	}

	v, err := f.engine.Battle(id)
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if v.Battle.Duration() != 4*time.Minute {
		t.Errorf("duration = %s, want the longer content's 4m", v.Battle.Duration())
	}
	if got := f.phaseEvents(); len(got) != 2 || got[0] != "ready" || got[1] != "active" {
		t.Errorf("phase events = %v, want [ready active]", got)
	}

	p, _ := f.mgr.Progress(id)
	if p.Content[state.SideB].URI != "fake://artist-b" {
		t.Errorf("content ref = %+v", p.Content[state.SideB])
	}
}

func TestLaunch_FutureStartWaitsForTimer(t *testing.T) {
	f := newFixture(t, 0)
	req := launchRequest()
	req.StartTime = t0.Add(10 * time.Minute)
	req.Duration = time.Hour

	id, err := f.mgr.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := f.phase(t, id); got != lifecycle.PhaseReady {
		t.Fatalf("phase = %s, want ready", got)
	}

	f.clock.Advance(10*time.Minute - time.Second)
	if got := f.phase(t, id); got != lifecycle.PhaseReady {
		t.Fatalf("phase before start = %s, want ready", got)
	}
	f.clock.Advance(time.Second)
	if got := f.phase(t, id); got != lifecycle.PhaseActive {
		t.Fatalf("phase at start = %s, want active", got)
	}
}

func TestLaunch_ContentFailureFails(t *testing.T) {
	f := newFixture(t, 0)
	f.content.Fail("artist-b", testutil.ErrInjected)

	id, err := f.mgr.Launch(context.Background(), launchRequest())
	if !errors.Is(err, testutil.ErrInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if got := f.phase(t, id); got != lifecycle.PhaseFailed {
		t.Fatalf("phase = %s, want failed", got)
	}
	if _, err := f.engine.Battle(id); !errors.Is(err, core.ErrBattleNotFound) {
		t.Errorf("market created for a failed launch: %v", err)
	}
	if _, err := f.mgr.Settle(context.Background(), id, true); !errors.Is(err, lifecycle.ErrInvalidPhase) {
		t.Errorf("settle failed battle err = %v, want ErrInvalidPhase", err)
	}
}

func TestLaunch_NoDurationFails(t *testing.T) {
	f := newFixture(t, 0)
	req := launchRequest()
	req.Sides[0].ParticipantID = "silent-a"
	req.Sides[1].ParticipantID = "silent-b"

	id, err := f.mgr.Launch(context.Background(), req)
	if !errors.Is(err, lifecycle.ErrNoDuration) {
		t.Fatalf("err = %v, want ErrNoDuration", err)
	}
	if got := f.phase(t, id); got != lifecycle.PhaseFailed {
		t.Errorf("phase = %s, want failed", got)
	}
}

func TestLaunch_Validation(t *testing.T) {
	f := newFixture(t, 0)
	req := launchRequest()
	req.Sides[1].ParticipantID = ""
	if _, err := f.mgr.Launch(context.Background(), req); !errors.Is(err, core.ErrValidation) {
		t.Errorf("missing participant err = %v", err)
	}

	req = launchRequest()
	req.BattleID = 9
	req.Duration = time.Hour
	if _, err := f.mgr.Launch(context.Background(), req); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := f.mgr.Launch(context.Background(), req); !errors.Is(err, lifecycle.ErrBattleTracked) {
		t.Errorf("relaunch err = %v, want ErrBattleTracked", err)
	}
}

// ============================================================================
// Test: settlement
// ============================================================================

func TestDeadline_SettlesLargerPool(t *testing.T) {
	f := newFixture(t, 0)
	id, err := f.mgr.Launch(context.Background(), launchRequest())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	f.buy(t, id, state.SideA, alice, 100_000)
	f.buy(t, id, state.SideB, bob, 900_000)
	f.phaseEvents()

	// End time passes but the buffer has not.
	f.clock.Advance(4*time.Minute + lifecycle.DeadlineBuffer - time.Second)
	if got := f.phase(t, id); got != lifecycle.PhaseActive {
		t.Fatalf("phase inside buffer = %s, want active", got)
	}

	f.clock.Advance(time.Second)
	if got := f.phase(t, id); got != lifecycle.PhaseSettled {
		t.Fatalf("phase after deadline = %s, want settled", got)
	}
	res, err := f.engine.Settlement(id)
	if err != nil {
		t.Fatalf("Settlement: %v", err)
	}
	if res.Winner != state.SideB {
		t.Errorf("winner = %s, want B (larger pool)", res.Winner)
	}
	if got := f.phaseEvents(); len(got) != 2 || got[0] != "ending" || got[1] != "settled" {
		t.Errorf("phase events = %v, want [ending settled]", got)
	}

	p, _ := f.mgr.Progress(id)
	if p.Result == nil || p.SettleAttempts != 1 || p.Fraction != 1 || p.Remaining != 0 {
		t.Errorf("progress = %+v", p)
	}
	if f.clock.PendingTimers() != 0 {
		t.Errorf("%d timers left after settlement", f.clock.PendingTimers())
	}
}

func TestDeadline_TieGoesToSideA(t *testing.T) {
	f := newFixture(t, 0)
	id, _ := f.mgr.Launch(context.Background(), launchRequest())
	f.clock.Advance(5 * time.Minute)

	res, err := f.engine.Settlement(id)
	if err != nil {
		t.Fatalf("Settlement: %v", err)
	}
	if res.Winner != state.SideA {
		t.Errorf("winner of empty battle = %s, want A", res.Winner)
	}
}

func TestDeadline_RetriesUntilSettled(t *testing.T) {
	f := newFixture(t, 2)
	id, _ := f.mgr.Launch(context.Background(), launchRequest())

	f.clock.Advance(4*time.Minute + lifecycle.DeadlineBuffer)
	if got := f.phase(t, id); got != lifecycle.PhaseEnding {
		t.Fatalf("phase after failed attempt = %s, want ending", got)
	}
	p, _ := f.mgr.Progress(id)
	if p.LastError == "" || p.SettleAttempts != 1 {
		t.Errorf("progress after failure = %+v", p)
	}

	f.clock.Advance(lifecycle.RetryDelay)
	if got := f.phase(t, id); got != lifecycle.PhaseEnding {
		t.Fatalf("phase after second failure = %s, want ending", got)
	}

	f.clock.Advance(lifecycle.RetryDelay)
	if got := f.phase(t, id); got != lifecycle.PhaseSettled {
		t.Fatalf("phase after third attempt = %s, want settled", got)
	}
	if f.market.settleCalls() != 3 {
		t.Errorf("settle calls = %d, want 3", f.market.settleCalls())
	}
	p, _ = f.mgr.Progress(id)
	if p.LastError != "" || p.SettleAttempts != 3 {
		t.Errorf("progress after success = %+v", p)
	}
}

func TestManualSettle_CancelsDeadline(t *testing.T) {
	f := newFixture(t, 0)
	id, _ := f.mgr.Launch(context.Background(), launchRequest())
	f.buy(t, id, state.SideA, alice, 100_000)

	if _, err := f.mgr.Settle(context.Background(), id, false); !errors.Is(err, core.ErrBattleNotEnded) {
		t.Fatalf("early manual settle err = %v, want ErrBattleNotEnded", err)
	}
	if got := f.phase(t, id); got != lifecycle.PhaseActive {
		t.Fatalf("phase after early settle = %s, want active", got)
	}

	f.clock.Advance(4 * time.Minute)
	res, err := f.mgr.Settle(context.Background(), id, false)
	if err != nil {
		t.Fatalf("manual Settle: %v", err)
	}
	if res.Winner != state.SideB {
		t.Errorf("manual winner = %s, want B as requested", res.Winner)
	}
	if got := f.phase(t, id); got != lifecycle.PhaseSettled {
		t.Fatalf("phase = %s, want settled", got)
	}

	// The deadline passes without a second attempt.
	f.clock.Advance(time.Minute)
	if f.market.settleCalls() != 1 {
		t.Errorf("settle calls = %d, want 1", f.market.settleCalls())
	}
	if _, err := f.mgr.Settle(context.Background(), id, true); !errors.Is(err, core.ErrAlreadySettled) {
		t.Errorf("second manual settle err = %v, want ErrAlreadySettled", err)
	}
}

func TestSettle_ExternalSettlementObserved(t *testing.T) {
	f := newFixture(t, 0)
	id, _ := f.mgr.Launch(context.Background(), launchRequest())
	f.clock.Set(t0.Add(4 * time.Minute))

	// Someone settles straight through the engine.
	if _, err := f.engine.Settle(context.Background(), id, true); err != nil {
		t.Fatalf("engine Settle: %v", err)
	}
	f.clock.Advance(lifecycle.DeadlineBuffer)
	if got := f.phase(t, id); got != lifecycle.PhaseSettled {
		t.Fatalf("phase = %s, want settled", got)
	}
	p, _ := f.mgr.Progress(id)
	if p.Result == nil || p.Result.Winner != state.SideA {
		t.Errorf("progress result = %+v", p.Result)
	}
}

func TestUnknownBattle(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.mgr.Phase(99); !errors.Is(err, lifecycle.ErrUnknownBattle) {
		t.Errorf("Phase err = %v", err)
	}
	if _, err := f.mgr.Settle(context.Background(), 99, true); !errors.Is(err, lifecycle.ErrUnknownBattle) {
		t.Errorf("Settle err = %v", err)
	}
}

// ============================================================================
// Test: progress, adoption and shutdown
// ============================================================================

func TestProgress_TracksWindow(t *testing.T) {
	f := newFixture(t, 0)
	req := launchRequest()
	req.Duration = 10 * time.Minute
	id, _ := f.mgr.Launch(context.Background(), req)

	f.clock.Advance(2*time.Minute + 30*time.Second)
	p, err := f.mgr.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Elapsed != 150*time.Second || p.Remaining != 450*time.Second || p.Fraction != 0.25 {
		t.Errorf("elapsed=%s remaining=%s fraction=%v", p.Elapsed, p.Remaining, p.Fraction)
	}
	if p.PhaseName != "active" {
		t.Errorf("phase name = %q", p.PhaseName)
	}
	if list := f.mgr.List(); len(list) != 1 || list[0].BattleID != id {
		t.Errorf("List = %+v", list)
	}
}

func TestAdopt_RearmsDeadline(t *testing.T) {
	f := newFixture(t, 0)
	b, err := f.engine.CreateBattle(core.CreateBattleRequest{
		StartTime: t0.Add(-time.Minute),
		EndTime:   t0.Add(time.Minute),
		Sides:     [2]state.SideInfo{{ParticipantID: "a", Payout: artistA}, {ParticipantID: "b", Payout: artistB}},
	})
	if err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	if err := f.mgr.Adopt(b); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if got := f.phase(t, b.ID); got != lifecycle.PhaseActive {
		t.Fatalf("adopted phase = %s, want active", got)
	}
	if err := f.mgr.Adopt(b); !errors.Is(err, lifecycle.ErrBattleTracked) {
		t.Errorf("second Adopt err = %v", err)
	}

	f.clock.Advance(time.Minute + lifecycle.DeadlineBuffer)
	if got := f.phase(t, b.ID); got != lifecycle.PhaseSettled {
		t.Errorf("phase after deadline = %s, want settled", got)
	}

	settled, _ := f.engine.Battle(b.ID)
	g := newFixture(t, 0)
	if err := g.mgr.Adopt(settled.Battle); err != nil {
		t.Fatalf("Adopt settled: %v", err)
	}
	if got := g.phase(t, b.ID); got != lifecycle.PhaseSettled {
		t.Errorf("adopted settled battle phase = %s", got)
	}
}

func TestLaunchAsync_VisibleImmediately(t *testing.T) {
	f := newFixture(t, 0)
	req := launchRequest()
	req.BattleID = 77
	id, err := f.mgr.LaunchAsync(req)
	if err != nil || id != 77 {
		t.Fatalf("LaunchAsync = %d, %v", id, err)
	}
	if _, err := f.mgr.Phase(id); err != nil {
		t.Fatalf("Phase right after LaunchAsync: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, _ := f.mgr.Phase(id)
		if p == lifecycle.PhaseActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("battle stuck in %s", p)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClose_StopsTimers(t *testing.T) {
	f := newFixture(t, 0)
	id, _ := f.mgr.Launch(context.Background(), launchRequest())
	f.mgr.Close()

	f.clock.Advance(time.Hour)
	if got := f.phase(t, id); got != lifecycle.PhaseActive {
		t.Errorf("phase after close = %s, want active (no settlement)", got)
	}
	if _, err := f.mgr.Launch(context.Background(), launchRequest()); !errors.Is(err, lifecycle.ErrClosed) {
		t.Errorf("launch after close err = %v", err)
	}
}
