package ingestion_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/state"
	"BattleLedger/internal/testutil"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type cmdHarness struct {
	clock    *testutil.FakeClock
	engine   *core.Engine
	svc      *ingestion.CommandService
	consumer *ingestion.CommandConsumer
	battle   uint64
}

func newCmdHarness(t *testing.T) *cmdHarness {
	t.Helper()
	clock := testutil.NewFakeClock(t0.Add(time.Minute))
	cfg := core.DefaultConfig()
	cfg.Platform = common.HexToAddress("0xf1")
	e, err := core.NewEngine(cfg, core.Deps{
		Clock:    clock,
		Transfer: testutil.NewFakeTransferrer(),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	b, err := e.CreateBattle(core.CreateBattleRequest{
		StartTime: t0,
		EndTime:   t0.Add(time.Hour),
		Sides: [2]state.SideInfo{
			{ParticipantID: "artist-a", Payout: common.HexToAddress(payoutA)},
			{ParticipantID: "artist-b", Payout: common.HexToAddress(payoutB)},
		},
	})
	if err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	svc := ingestion.NewCommandService(e, nil, zerolog.Nop())
	return &cmdHarness{
		clock:    clock,
		engine:   e,
		svc:      svc,
		consumer: ingestion.NewCommandConsumer(svc, nil, zerolog.Nop()),
		battle:   b.ID,
	}
}

// ackRecorder counts acks and naks for one message.
type ackRecorder struct {
	acks, naks int
}

func (r *ackRecorder) raw(subject, body string, seq uint64) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      []byte(body),
		Consumer:  "battle-test",
		Sequence:  seq,
		Timestamp: time.Now(),
		AckFunc:   func() { r.acks++ },
		NakFunc:   func() { r.naks++ },
	}
}

func buyBody(battleID uint64, side, payment, requestID string) string {
	return fmt.Sprintf(`{"battle_id":%d,"side":%q,"trader":%q,"payment":%q,"request_id":%q}`,
		battleID, side, traderHex, payment, requestID)
}

// ============================================================================
// Test: CommandService
// ============================================================================

func TestCommandService_BuyThenSell(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()

	cmd, err := ingestion.ParseCommandJSON(ingestion.CommandBuy, []byte(buyBody(h.battle, "a", "1000000", "r1")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res, err := h.svc.Execute(ctx, cmd)
	if err != nil {
		t.Fatalf("Execute buy: %v", err)
	}
	trade := res.(*core.TradeResult).Trade
	if trade.Tokens.IsZero() {
		t.Fatal("buy minted no tokens")
	}

	sell := &ingestion.SellCommand{Request: core.SellRequest{
		BattleID: h.battle,
		Side:     state.SideA,
		Trader:   common.HexToAddress(traderHex),
		Tokens:   trade.Tokens,
	}}
	if _, err := h.svc.Execute(ctx, sell); err != nil {
		t.Fatalf("Execute sell: %v", err)
	}
	bal, _ := h.engine.Balance(h.battle, state.SideA, common.HexToAddress(traderHex))
	if !bal.IsZero() {
		t.Errorf("balance after selling all: got %s, want 0", bal.Dec())
	}
}

func TestCommandService_SettleByPolicy(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()

	for _, body := range []string{
		buyBody(h.battle, "a", "100000", "r1"),
		buyBody(h.battle, "b", "900000", "r2"),
	} {
		cmd, _ := ingestion.ParseCommandJSON(ingestion.CommandBuy, []byte(body))
		if _, err := h.svc.Execute(ctx, cmd); err != nil {
			t.Fatalf("Execute buy: %v", err)
		}
	}

	h.clock.Set(t0.Add(time.Hour + time.Second))
	res, err := h.svc.Execute(ctx, &ingestion.SettleCommand{BattleID: h.battle})
	if err != nil {
		t.Fatalf("Execute settle: %v", err)
	}
	if got := res.(*core.SettlementResult).Winner; got != state.SideB {
		t.Errorf("winner: got %s, want B (larger pool)", got)
	}
}

func TestCommandService_LaunchWithoutManager(t *testing.T) {
	h := newCmdHarness(t)
	_, err := h.svc.Execute(context.Background(), &ingestion.LaunchCommand{})
	if !errors.Is(err, lifecycle.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", core.ErrZeroAmount, false},
		{"settlement in progress", core.ErrSettlementInProgress, true},
		{"malformed", fmt.Errorf("%w: bad", ingestion.ErrMalformedCommand), false},
		{"unknown battle", lifecycle.ErrUnknownBattle, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		if got := ingestion.Retryable(tt.err); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ============================================================================
// Test: CommandConsumer
// ============================================================================

func TestCommandConsumer_AcksSuccess(t *testing.T) {
	h := newCmdHarness(t)
	var rec ackRecorder

	h.consumer.Handle(context.Background(), rec.raw("battle.commands.buy.1", buyBody(h.battle, "a", "500000", "c1"), 1))
	if rec.acks != 1 || rec.naks != 0 {
		t.Fatalf("acks/naks: got %d/%d, want 1/0", rec.acks, rec.naks)
	}
	bal, _ := h.engine.Balance(h.battle, state.SideA, common.HexToAddress(traderHex))
	if bal.IsZero() {
		t.Error("buy did not execute")
	}
}

func TestCommandConsumer_RedeliveryIsIdempotent(t *testing.T) {
	h := newCmdHarness(t)
	var rec ackRecorder
	body := buyBody(h.battle, "a", "500000", "dup-1")

	h.consumer.Handle(context.Background(), rec.raw("battle.commands.buy.1", body, 1))
	first, _ := h.engine.Balance(h.battle, state.SideA, common.HexToAddress(traderHex))

	// Same consumer sequence again: a redelivery of the same message.
	h.consumer.Handle(context.Background(), rec.raw("battle.commands.buy.1", body, 1))
	second, _ := h.engine.Balance(h.battle, state.SideA, common.HexToAddress(traderHex))

	if !first.Eq(second) {
		t.Errorf("balance changed on redelivery: %s -> %s", first.Dec(), second.Dec())
	}
	if rec.acks != 2 || rec.naks != 0 {
		t.Errorf("acks/naks: got %d/%d, want 2/0", rec.acks, rec.naks)
	}
}

func TestCommandConsumer_AcksFinalRejections(t *testing.T) {
	h := newCmdHarness(t)
	tests := []struct {
		name    string
		subject string
		body    string
	}{
		{"bad subject", "battle.other", `{}`},
		{"unknown type", "battle.commands.transfer", `{}`},
		{"malformed body", "battle.commands.buy", `{nope`},
		{"zero payment", "battle.commands.buy", buyBody(h.battle, "a", "0", "z")},
		{"unknown battle", "battle.commands.buy", buyBody(999, "a", "10", "u")},
	}
	for _, tt := range tests {
		var rec ackRecorder
		h.consumer.Handle(context.Background(), rec.raw(tt.subject, tt.body, 0))
		if rec.acks != 1 || rec.naks != 0 {
			t.Errorf("%s: acks/naks got %d/%d, want 1/0", tt.name, rec.acks, rec.naks)
		}
	}
}

func TestCommandConsumer_RunStopsOnClose(t *testing.T) {
	h := newCmdHarness(t)
	in := make(chan ingestion.RawEvent, 2)
	var rec ackRecorder
	in <- rec.raw("battle.commands.buy.1", buyBody(h.battle, "b", "1000", "run-1"), 1)
	close(in)

	if err := h.consumer.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.acks != 1 {
		t.Errorf("acks: got %d, want 1", rec.acks)
	}
}

// ============================================================================
// Test: SequenceTracker
// ============================================================================

func TestSequenceTracker(t *testing.T) {
	st := ingestion.NewSequenceTracker()

	steps := []struct {
		seq  uint64
		want ingestion.SequenceStatus
	}{
		{1, ingestion.SequenceNext},
		{2, ingestion.SequenceNext},
		{2, ingestion.SequenceReplay},
		{5, ingestion.SequenceGap},
		{3, ingestion.SequenceReplay},
		{6, ingestion.SequenceNext},
	}
	for _, s := range steps {
		if got := st.Observe("p", s.seq); got != s.want {
			t.Errorf("seq %d: got %s, want %s", s.seq, got, s.want)
		}
	}
	if st.LastSequence("p") != 6 {
		t.Errorf("last: got %d, want 6", st.LastSequence("p"))
	}
	if st.Gaps("p") != 1 || st.Replays("p") != 2 {
		t.Errorf("gaps/replays: got %d/%d, want 1/2", st.Gaps("p"), st.Replays("p"))
	}
	if st.Observe("other", 10) != ingestion.SequenceNext {
		t.Error("first sequence of a partition should be next")
	}

	st.SetLastSequence("q", 100)
	if st.Observe("q", 100) != ingestion.SequenceReplay {
		t.Error("sequence at recovered position should be a replay")
	}
}

func TestCommandService_ClaimAfterSettle(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()
	trader := common.HexToAddress(traderHex)

	if _, err := h.engine.Buy(ctx, core.BuyRequest{
		BattleID: h.battle, Side: state.SideA, Trader: trader, Payment: u(1_000_000),
	}); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	h.clock.Set(t0.Add(time.Hour + time.Second))
	winner := state.SideA
	if _, err := h.svc.Execute(ctx, &ingestion.SettleCommand{BattleID: h.battle, Winner: &winner}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	res, err := h.svc.Execute(ctx, &ingestion.ClaimCommand{BattleID: h.battle, Holder: trader})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.(*core.ClaimResult).Amount.IsZero() {
		t.Error("winner claimed nothing")
	}
	if _, err := h.svc.Execute(ctx, &ingestion.ClaimCommand{BattleID: h.battle, Holder: trader}); !errors.Is(err, core.ErrDoubleClaim) {
		t.Errorf("second claim err = %v, want ErrDoubleClaim", err)
	}
}
