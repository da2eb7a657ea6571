package server

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/query"
	"BattleLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

const maxCommandBody = 1 << 20

type api struct {
	deps   Deps
	logger zerolog.Logger
}

type route struct {
	method, pattern string
	h               runtime.HandlerFunc
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []route{
		// Queries
		{http.MethodGet, "/v1/battles", a.listBattles},
		{http.MethodGet, "/v1/battles/{battle_id}", a.getBattle},
		{http.MethodGet, "/v1/battles/{battle_id}/quote/buy", a.quoteBuy},
		{http.MethodGet, "/v1/battles/{battle_id}/quote/sell", a.quoteSell},
		{http.MethodGet, "/v1/battles/{battle_id}/holders/{holder}", a.getHolder},
		{http.MethodGet, "/v1/battles/{battle_id}/settlement", a.getSettlement},
		{http.MethodGet, "/v1/battles/{battle_id}/trades", a.battleTrades},
		{http.MethodGet, "/v1/traders/{trader}/trades", a.traderTrades},
		{http.MethodGet, "/v1/payouts/pending", a.pendingPayouts},

		// Commands
		{http.MethodPost, "/v1/commands/{command}", a.command},

		// Admin
		{http.MethodGet, "/v1/admin/integrity", a.verifyIntegrity},
		{http.MethodGet, "/v1/admin/event-log", a.eventLogInfo},
		{http.MethodPost, "/v1/admin/snapshot", a.takeSnapshot},
		{http.MethodPost, "/v1/admin/payouts/retry", a.retryPayouts},
		{http.MethodPost, "/v1/admin/projections/rebuild", a.rebuildProjections},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

func (a *api) listBattles(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	list, err := a.deps.Query.ListBattles(r.Context())
	a.respond(w, list, err)
}

func (a *api) getBattle(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := battleID(p)
	if err != nil {
		a.fail(w, err)
		return
	}
	resp, err := a.deps.Query.GetBattle(r.Context(), id)
	a.respond(w, resp, err)
}

func (a *api) quoteBuy(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, side, amount, err := quoteParams(r, p, "amount")
	if err != nil {
		a.fail(w, err)
		return
	}
	resp, err := a.deps.Query.QuoteBuy(r.Context(), id, side, amount)
	a.respond(w, resp, err)
}

func (a *api) quoteSell(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, side, tokens, err := quoteParams(r, p, "tokens")
	if err != nil {
		a.fail(w, err)
		return
	}
	resp, err := a.deps.Query.QuoteSell(r.Context(), id, side, tokens)
	a.respond(w, resp, err)
}

func (a *api) getHolder(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := battleID(p)
	if err != nil {
		a.fail(w, err)
		return
	}
	holder, err := address("holder", p["holder"])
	if err != nil {
		a.fail(w, err)
		return
	}
	resp, err := a.deps.Query.GetHolder(r.Context(), id, holder)
	a.respond(w, resp, err)
}

func (a *api) getSettlement(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := battleID(p)
	if err != nil {
		a.fail(w, err)
		return
	}
	resp, err := a.deps.Query.GetSettlement(r.Context(), id)
	a.respond(w, resp, err)
}

func (a *api) battleTrades(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := battleID(p)
	if err != nil {
		a.fail(w, err)
		return
	}
	f, err := tradeFilter(r)
	if err != nil {
		a.fail(w, err)
		return
	}
	f.BattleID = &id
	resp, err := a.deps.Query.GetTradeHistory(r.Context(), f)
	a.respond(w, resp, err)
}

func (a *api) traderTrades(w http.ResponseWriter, r *http.Request, p map[string]string) {
	trader, err := address("trader", p["trader"])
	if err != nil {
		a.fail(w, err)
		return
	}
	f, err := tradeFilter(r)
	if err != nil {
		a.fail(w, err)
		return
	}
	f.Trader = &trader
	resp, err := a.deps.Query.GetTradeHistory(r.Context(), f)
	a.respond(w, resp, err)
}

func (a *api) pendingPayouts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var id *uint64
	if v := r.URL.Query().Get("battle_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			a.fail(w, badRequest("battle_id", err))
			return
		}
		id = &n
	}
	resp, err := a.deps.Query.PendingPayouts(r.Context(), id)
	a.respond(w, resp, err)
}

// ============================================================================
// Commands
// ============================================================================

func (a *api) command(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if a.deps.Commands == nil {
		a.unavailable(w, "commands")
		return
	}
	cmdType := ingestion.CommandType(p["command"])
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		a.fail(w, badRequest("body", err))
		return
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.CommandsReceived.WithLabelValues(string(cmdType), "http").Inc()
	}
	cmd, err := ingestion.ParseCommandJSON(cmdType, body)
	if err != nil {
		a.fail(w, fmt.Errorf("%w: %v", ingestion.ErrMalformedCommand, err))
		return
	}
	res, err := a.deps.Commands.Execute(r.Context(), cmd)
	a.respond(w, res, err)
}

// ============================================================================
// Admin
// ============================================================================

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusConflict
	}
	writeJSON(w, code, report)
}

func (a *api) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Snapshots == nil {
		a.unavailable(w, "event log")
		return
	}
	seq, err := a.deps.Snapshots.GetLatestSequence(r.Context())
	a.respond(w, map[string]int64{"last_sequence": seq}, err)
}

func (a *api) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.TakeSnapshot == nil {
		a.unavailable(w, "snapshots")
		return
	}
	seq, err := a.deps.TakeSnapshot(r.Context())
	a.respond(w, map[string]int64{"sequence": seq}, err)
}

func (a *api) retryPayouts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.RetryPayouts == nil {
		a.unavailable(w, "payout retry")
		return
	}
	n, failed, err := a.deps.RetryPayouts(r.Context())
	if failed == nil {
		failed = []core.Payout{}
	}
	a.respond(w, retryResponse{Delivered: n, Failed: failed}, err)
}

type retryResponse struct {
	Delivered int           `json:"delivered"`
	Failed    []core.Payout `json:"failed"`
}

func (a *api) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.RebuildProjections == nil {
		a.unavailable(w, "projection rebuild")
		return
	}
	err := a.deps.RebuildProjections(r.Context())
	a.respond(w, map[string]bool{"rebuilt": err == nil}, err)
}

// ============================================================================
// Helpers
// ============================================================================

var errBadRequest = errors.New("bad request")

func badRequest(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
}

func battleID(p map[string]string) (uint64, error) {
	id, err := strconv.ParseUint(p["battle_id"], 10, 64)
	if err != nil {
		return 0, badRequest("battle_id", err)
	}
	return id, nil
}

func address(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, badRequest(field, fmt.Errorf("invalid address %q", v))
	}
	return common.HexToAddress(v), nil
}

func quoteParams(r *http.Request, p map[string]string, amountField string) (uint64, state.Side, *uint256.Int, error) {
	id, err := battleID(p)
	if err != nil {
		return 0, 0, nil, err
	}
	q := r.URL.Query()
	side, err := state.ParseSide(q.Get("side"))
	if err != nil {
		return 0, 0, nil, badRequest("side", err)
	}
	amount, err := uint256.FromDecimal(q.Get(amountField))
	if err != nil {
		return 0, 0, nil, badRequest(amountField, err)
	}
	return id, side, amount, nil
}

func tradeFilter(r *http.Request) (query.TradeFilter, error) {
	var f query.TradeFilter
	q := r.URL.Query()
	if v := q.Get("side"); v != "" {
		side, err := state.ParseSide(v)
		if err != nil {
			return f, badRequest("side", err)
		}
		f.Side = &side
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, badRequest("limit", err)
		}
		f.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, badRequest("before", err)
		}
		f.BeforeSequence = &n
	}
	return f, nil
}

// errorCode maps domain errors onto gRPC status codes; the gateway's table
// turns those into HTTP statuses.
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, query.ErrInvalidFilter):
		return codes.InvalidArgument
	case errors.Is(err, core.ErrBattleNotFound),
		errors.Is(err, lifecycle.ErrUnknownBattle):
		return codes.NotFound
	case errors.Is(err, core.ErrSettlementInProgress):
		return codes.Aborted
	case errors.Is(err, lifecycle.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, lifecycle.ErrInvalidPhase),
		errors.Is(err, lifecycle.ErrBattleTracked):
		return codes.FailedPrecondition
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return codes.InvalidArgument
	case core.KindSlippage, core.KindInsufficient:
		return codes.FailedPrecondition
	case core.KindIdempotency, core.KindDoubleClaim:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *api) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) fail(w http.ResponseWriter, err error) {
	code := errorCode(err)
	if code == codes.Internal {
		a.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Error: err.Error(), Code: code.String()})
}

func (a *api) unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, errorBody{Error: what + " not configured", Code: codes.Unimplemented.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
