package server_test

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/query"
	"BattleLedger/internal/server"
	"BattleLedger/internal/state"
	"BattleLedger/internal/testutil"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

const trader = "0x0000000000000000000000000000000000000a11"

type fixture struct {
	engine  *core.Engine
	handler http.Handler
	battle  uint64
}

func newFixture(t *testing.T, mutate func(*server.Deps)) *fixture {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Platform = common.HexToAddress("0xf1")
	e, err := core.NewEngine(cfg, core.Deps{
		Clock:    testutil.NewFakeClock(t0.Add(time.Minute)),
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
			{ParticipantID: "artist-a", Payout: common.HexToAddress("0xa1")},
			{ParticipantID: "artist-b", Payout: common.HexToAddress("0xb1")},
		},
	})
	if err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	qs, err := query.NewService(query.Config{Engine: e})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	deps := server.Deps{
		Query:    qs,
		Commands: ingestion.NewCommandService(e, nil, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := server.New("127.0.0.1:0", "127.0.0.1:0", deps)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return &fixture{engine: e, handler: srv.Handler(), battle: b.ID}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNew_RequiresQuery(t *testing.T) {
	if _, err := server.New(":0", ":0", server.Deps{Logger: zerolog.Nop()}); err == nil {
		t.Error("expected error without a query service")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: %d %v", code, body)
	}
}

// ============================================================================
// Test: Queries
// ============================================================================

func TestGetBattle(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, fmt.Sprintf("/v1/battles/%d", f.battle), "")
	if code != http.StatusOK {
		t.Fatalf("status: got %d, body %v", code, body)
	}
	if _, ok := body["view"]; !ok {
		t.Errorf("response missing view: %v", body)
	}

	if code, _ := f.do(t, http.MethodGet, "/v1/battles/999", ""); code != http.StatusNotFound {
		t.Errorf("unknown battle: got %d, want 404", code)
	}
	code, body = f.do(t, http.MethodGet, "/v1/battles/abc", "")
	if code != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", code)
	}
	if body["code"] != "InvalidArgument" {
		t.Errorf("bad id code: got %v", body["code"])
	}
}

func TestListBattles(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/battles", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["phase"] != "active" {
		t.Errorf("list: got %v", list)
	}
}

func TestQuoteBuy(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, fmt.Sprintf("/v1/battles/%d/quote/buy?side=a&amount=1000000", f.battle), "")
	if code != http.StatusOK {
		t.Fatalf("status: got %d, body %v", code, body)
	}
	if body["kind"] != "buy" || body["side"] != "A" {
		t.Errorf("quote: got %v", body)
	}

	if code, _ := f.do(t, http.MethodGet, fmt.Sprintf("/v1/battles/%d/quote/buy?side=c&amount=1", f.battle), ""); code != http.StatusBadRequest {
		t.Errorf("bad side: got %d, want 400", code)
	}
	if code, _ := f.do(t, http.MethodGet, fmt.Sprintf("/v1/battles/%d/quote/buy?side=a&amount=-5", f.battle), ""); code != http.StatusBadRequest {
		t.Errorf("bad amount: got %d, want 400", code)
	}
}

func TestSettlement_NotSettled(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, fmt.Sprintf("/v1/battles/%d/settlement", f.battle), "")
	if code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", code)
	}
}

// ============================================================================
// Test: Commands
// ============================================================================

func TestCommand_Buy(t *testing.T) {
	f := newFixture(t, nil)
	body := fmt.Sprintf(`{"battle_id":%d,"side":"a","trader":%q,"payment":"1000000","request_id":"h1"}`, f.battle, trader)

	code, resp := f.do(t, http.MethodPost, "/v1/commands/buy", body)
	if code != http.StatusOK {
		t.Fatalf("buy: got %d, body %v", code, resp)
	}
	bal, err := f.engine.Balance(f.battle, state.SideA, common.HexToAddress(trader))
	if err != nil || bal.IsZero() {
		t.Fatalf("balance after buy: %v, %v", bal, err)
	}

	code, resp = f.do(t, http.MethodGet, fmt.Sprintf("/v1/battles/%d/holders/%s", f.battle, trader), "")
	if code != http.StatusOK {
		t.Fatalf("holder: got %d, body %v", code, resp)
	}
	if resp["balance_a"] != bal.Dec() {
		t.Errorf("holder balance: got %v, want %s", resp["balance_a"], bal.Dec())
	}
}

func TestCommand_Rejections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"unknown command", "/v1/commands/mint", `{}`, http.StatusBadRequest},
		{"malformed json", "/v1/commands/buy", `{`, http.StatusBadRequest},
		{"unknown battle", "/v1/commands/buy",
			fmt.Sprintf(`{"battle_id":77,"side":"a","trader":%q,"payment":"10"}`, trader), http.StatusNotFound},
		{"zero payment", "/v1/commands/buy",
			fmt.Sprintf(`{"battle_id":%d,"side":"a","trader":%q,"payment":"0"}`, f.battle, trader), http.StatusBadRequest},
	}
	for _, tt := range tests {
		code, body := f.do(t, http.MethodPost, tt.path, tt.body)
		if code != tt.want {
			t.Errorf("%s: got %d, want %d (%v)", tt.name, code, tt.want, body)
		}
	}
}

func TestCommand_NoCommandService(t *testing.T) {
	f := newFixture(t, func(d *server.Deps) { d.Commands = nil })
	if code, _ := f.do(t, http.MethodPost, "/v1/commands/buy", `{}`); code != http.StatusNotImplemented {
		t.Errorf("got %d, want 501", code)
	}
}

// ============================================================================
// Test: Admin
// ============================================================================

func TestAdmin_Hooks(t *testing.T) {
	var snapshots, retries int
	f := newFixture(t, func(d *server.Deps) {
		d.TakeSnapshot = func(context.Context) (int64, error) { snapshots++; return 42, nil }
		d.RetryPayouts = func(context.Context) (int, []core.Payout, error) { retries++; return 0, nil, testutil.ErrInjected }
	})

	code, body := f.do(t, http.MethodPost, "/v1/admin/snapshot", "")
	if code != http.StatusOK || body["sequence"] != float64(42) || snapshots != 1 {
		t.Errorf("snapshot: %d %v (calls %d)", code, body, snapshots)
	}
	code, _ = f.do(t, http.MethodPost, "/v1/admin/payouts/retry", "")
	if code != http.StatusInternalServerError || retries != 1 {
		t.Errorf("retry: got %d (calls %d), want 500", code, retries)
	}
	if code, _ := f.do(t, http.MethodPost, "/v1/admin/projections/rebuild", ""); code != http.StatusNotImplemented {
		t.Errorf("rebuild without hook: got %d, want 501", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/admin/event-log", ""); code != http.StatusNotImplemented {
		t.Errorf("event log without store: got %d, want 501", code)
	}
}

func TestAdmin_Integrity(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/v1/admin/integrity", "")
	if code != http.StatusOK || body["is_healthy"] != true {
		t.Errorf("integrity: %d %v", code, body)
	}
}

func TestAdmin_RetryReportsStillFailing(t *testing.T) {
	stuck := core.Payout{
		ID:        "1:settle:winning_artist",
		BattleID:  1,
		Kind:      core.PayoutWinningArtist,
		Recipient: common.HexToAddress("0xa1"),
		Amount:    uint256.NewInt(500),
		Status:    event.PayoutFailed,
		Attempts:  3,
		LastError: "rpc unavailable",
	}
	f := newFixture(t, func(d *server.Deps) {
		d.RetryPayouts = func(context.Context) (int, []core.Payout, error) {
			return 2, []core.Payout{stuck}, nil
		}
	})

	code, body := f.do(t, http.MethodPost, "/v1/admin/payouts/retry", "")
	if code != http.StatusOK {
		t.Fatalf("retry: got %d, body %v", code, body)
	}
	if body["delivered"] != float64(2) {
		t.Errorf("delivered: got %v, want 2", body["delivered"])
	}
	failed, ok := body["failed"].([]any)
	if !ok || len(failed) != 1 {
		t.Fatalf("failed: got %v, want one payout", body["failed"])
	}
	p := failed[0].(map[string]any)
	if p["id"] != stuck.ID || p["last_error"] != "rpc unavailable" || p["attempts"] != float64(3) {
		t.Errorf("failed payout: got %v", p)
	}
}

func TestAdmin_RetryNothingFailing(t *testing.T) {
	f := newFixture(t, func(d *server.Deps) {
		d.RetryPayouts = func(context.Context) (int, []core.Payout, error) { return 0, nil, nil }
	})
	code, body := f.do(t, http.MethodPost, "/v1/admin/payouts/retry", "")
	if code != http.StatusOK {
		t.Fatalf("retry: got %d", code)
	}
	if failed, ok := body["failed"].([]any); !ok || len(failed) != 0 {
		t.Errorf("failed: got %v, want an empty list", body["failed"])
	}
}
