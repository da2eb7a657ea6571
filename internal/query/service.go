package query

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/ledger"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/projection"
	"BattleLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	DefaultTradeLimit = 50
	MaxTradeLimit     = 500
)

var ErrInvalidFilter = errors.New("invalid query filter")

// Service provides read-only access to markets and projections. Live state
// comes from the engine; history comes from the projection tables when a
// database is configured, otherwise from the in-memory projections. Every
// response carries as_of_sequence for freshness semantics.
type Service struct {
	engine  *core.Engine
	battles *lifecycle.Manager
	stats   *projection.StatsProjection
	trades  *projection.TradeHistoryProjection
	db      *sql.DB
	custody *ledger.Custody
	metrics *observability.Metrics
}

// Config wires a Service. Only Engine is required.
type Config struct {
	Engine  *core.Engine
	Battles *lifecycle.Manager
	Stats   *projection.StatsProjection
	Trades  *projection.TradeHistoryProjection
	DB      *sql.DB
	Custody *ledger.Custody
	Metrics *observability.Metrics
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, errors.New("query: engine is required")
	}
	return &Service{
		engine:  cfg.Engine,
		battles: cfg.Battles,
		stats:   cfg.Stats,
		trades:  cfg.Trades,
		db:      cfg.DB,
		custody: cfg.Custody,
		metrics: cfg.Metrics,
	}, nil
}

// GetBattle returns the live view of a battle with its phase and stats.
func (qs *Service) GetBattle(ctx context.Context, battleID uint64) (resp *BattleResponse, err error) {
	defer qs.observe("get_battle", time.Now(), &err)

	asOf := qs.engine.Sequence()
	view, err := qs.engine.Battle(battleID)
	if err != nil {
		return nil, err
	}
	resp = &BattleResponse{View: view, AsOfSequence: asOf}
	if qs.battles != nil {
		if p, err := qs.battles.Progress(battleID); err == nil {
			resp.Progress = p
		}
	}
	if qs.stats != nil {
		if st, ok := qs.stats.Get(battleID); ok {
			resp.Stats = st
		}
	}
	return resp, nil
}

// ListBattles summarizes every battle in ascending id order.
func (qs *Service) ListBattles(ctx context.Context) (out []BattleSummary, err error) {
	defer qs.observe("list_battles", time.Now(), &err)

	phases := make(map[uint64]string)
	if qs.battles != nil {
		for _, p := range qs.battles.List() {
			phases[p.BattleID] = p.PhaseName
		}
	}

	ids := qs.engine.BattleIDs()
	out = make([]BattleSummary, 0, len(ids))
	for _, id := range ids {
		view, err := qs.engine.Battle(id)
		if err != nil {
			return nil, err
		}
		b := view.Battle
		phase, ok := phases[id]
		if !ok {
			phase = derivePhase(b)
		}
		out = append(out, BattleSummary{
			BattleID:      id,
			Phase:         phase,
			StartTime:     b.StartTime,
			EndTime:       b.EndTime,
			Active:        b.Active,
			WinnerDecided: b.WinnerDecided,
			PoolA:         view.Sides[state.SideA].Pool,
			PoolB:         view.Sides[state.SideB].Pool,
		})
	}
	return out, nil
}

// derivePhase names a battle's phase when no lifecycle manager tracks it.
func derivePhase(b *state.Battle) string {
	switch {
	case b.WinnerDecided:
		return lifecycle.PhaseSettled.String()
	case b.Active:
		return lifecycle.PhaseActive.String()
	default:
		return lifecycle.PhaseReady.String()
	}
}

// QuoteBuy previews a buy of payment on side.
func (qs *Service) QuoteBuy(ctx context.Context, battleID uint64, side state.Side, payment *uint256.Int) (resp *QuoteResponse, err error) {
	defer qs.observe("quote_buy", time.Now(), &err)

	asOf := qs.engine.Sequence()
	q, err := qs.engine.PreviewBuy(battleID, side, payment)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		BattleID:     battleID,
		Side:         side.String(),
		Kind:         event.TradeKindBuy.String(),
		Amount:       new(uint256.Int).Set(payment),
		Tokens:       q.Tokens,
		Gross:        &q.Fees.Gross,
		ArtistFee:    &q.Fees.ArtistFee,
		PlatformFee:  &q.Fees.PlatformFee,
		Net:          &q.Fees.Net,
		PoolAfter:    q.PoolAfter,
		SupplyAfter:  q.SupplyAfter,
		AsOfSequence: asOf,
	}, nil
}

// QuoteSell previews a sell of tokens on side. Amount is what the seller
// would receive.
func (qs *Service) QuoteSell(ctx context.Context, battleID uint64, side state.Side, tokens *uint256.Int) (resp *QuoteResponse, err error) {
	defer qs.observe("quote_sell", time.Now(), &err)

	asOf := qs.engine.Sequence()
	q, err := qs.engine.PreviewSell(battleID, side, tokens)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		BattleID:     battleID,
		Side:         side.String(),
		Kind:         event.TradeKindSell.String(),
		Amount:       new(uint256.Int).Set(&q.Fees.Net),
		Tokens:       new(uint256.Int).Set(tokens),
		Gross:        &q.Fees.Gross,
		ArtistFee:    &q.Fees.ArtistFee,
		PlatformFee:  &q.Fees.PlatformFee,
		Net:          &q.Fees.Net,
		PoolAfter:    q.PoolAfter,
		SupplyAfter:  q.SupplyAfter,
		AsOfSequence: asOf,
	}, nil
}

// GetHolder returns a holder's balances and, once settled, what they can
// claim.
func (qs *Service) GetHolder(ctx context.Context, battleID uint64, holder common.Address) (resp *HolderResponse, err error) {
	defer qs.observe("get_holder", time.Now(), &err)

	resp = &HolderResponse{
		BattleID:     battleID,
		Holder:       holder,
		AsOfSequence: qs.engine.Sequence(),
	}
	if resp.BalanceA, err = qs.engine.Balance(battleID, state.SideA, holder); err != nil {
		return nil, err
	}
	if resp.BalanceB, err = qs.engine.Balance(battleID, state.SideB, holder); err != nil {
		return nil, err
	}
	if resp.Claimed, err = qs.engine.HasClaimed(battleID, holder); err != nil {
		return nil, err
	}

	claimable, err := qs.engine.ClaimableAmount(battleID, holder)
	switch {
	case err == nil:
		resp.Claimable = claimable
	case errors.Is(err, core.ErrNotSettled):
	default:
		return nil, err
	}
	return resp, nil
}

// GetSettlement returns the recorded result of a settled battle.
func (qs *Service) GetSettlement(ctx context.Context, battleID uint64) (res *core.SettlementResult, err error) {
	defer qs.observe("get_settlement", time.Now(), &err)
	return qs.engine.Settlement(battleID)
}

// PendingPayouts lists undelivered payouts, optionally for one battle.
func (qs *Service) PendingPayouts(ctx context.Context, battleID *uint64) (out []core.Payout, err error) {
	defer qs.observe("pending_payouts", time.Now(), &err)

	all := qs.engine.PendingPayouts()
	if battleID == nil {
		return all, nil
	}
	out = make([]core.Payout, 0, len(all))
	for _, p := range all {
		if p.BattleID == *battleID {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetTradeHistory returns trades newest first with cursor-based
// pagination.
func (qs *Service) GetTradeHistory(ctx context.Context, f TradeFilter) (resp *TradeHistoryResponse, err error) {
	defer qs.observe("trade_history", time.Now(), &err)

	if f.Trader == nil && f.BattleID == nil {
		return nil, fmt.Errorf("%w: trader or battle_id is required", ErrInvalidFilter)
	}
	if f.Side != nil && !f.Side.Valid() {
		return nil, fmt.Errorf("%w: bad side", ErrInvalidFilter)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultTradeLimit
	case f.Limit > MaxTradeLimit:
		f.Limit = MaxTradeLimit
	}

	if qs.db != nil {
		return qs.tradesFromDB(ctx, f)
	}
	if qs.trades == nil {
		return nil, errors.New("query: no trade history source configured")
	}
	return qs.tradesFromMemory(f), nil
}

func (qs *Service) tradesFromMemory(f TradeFilter) *TradeHistoryResponse {
	resp := &TradeHistoryResponse{AsOfSequence: qs.engine.Sequence()}

	var all []projection.TradeRecord
	if f.BattleID != nil {
		all = qs.trades.QueryByBattle(*f.BattleID, f.Side, 0)
	} else {
		all = qs.trades.QueryByTrader(*f.Trader, 0)
	}

	resp.Trades = make([]projection.TradeRecord, 0, f.Limit)
	for _, r := range all {
		if f.Trader != nil && r.Trader != *f.Trader {
			continue
		}
		if f.BeforeSequence != nil && r.Sequence >= *f.BeforeSequence {
			continue
		}
		if len(resp.Trades) == f.Limit {
			resp.NextCursor = resp.Trades[len(resp.Trades)-1].Sequence
			break
		}
		resp.Trades = append(resp.Trades, r)
	}
	return resp
}

func (qs *Service) tradesFromDB(ctx context.Context, f TradeFilter) (*TradeHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT trade_id, battle_id, trader, side, kind, tokens, gross, net, sequence, executed_at
		FROM projections.trade_history
		WHERE TRUE
	`
	var args []any
	argIdx := 1

	if f.Trader != nil {
		query += fmt.Sprintf(" AND trader = $%d", argIdx)
		args = append(args, f.Trader.Hex())
		argIdx++
	}
	if f.BattleID != nil {
		query += fmt.Sprintf(" AND battle_id = $%d", argIdx)
		args = append(args, int64(*f.BattleID))
		argIdx++
	}
	if f.Side != nil {
		query += fmt.Sprintf(" AND side = $%d", argIdx)
		args = append(args, f.Side.String())
		argIdx++
	}
	if f.BeforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *f.BeforeSequence)
		argIdx++
	}

	// One extra row tells us whether another page exists.
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, f.Limit+1)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &TradeHistoryResponse{AsOfSequence: asOfSeq, Trades: make([]projection.TradeRecord, 0, f.Limit)}
	for rows.Next() {
		var (
			r                  projection.TradeRecord
			tradeID            uuid.UUID
			battleID           int64
			trader             string
			tokens, gross, net string
		)
		if err := rows.Scan(
			&tradeID, &battleID, &trader, &r.Side, &r.Kind,
			&tokens, &gross, &net, &r.Sequence, &r.ExecutedAt,
		); err != nil {
			return nil, err
		}
		if len(resp.Trades) == f.Limit {
			resp.NextCursor = resp.Trades[len(resp.Trades)-1].Sequence
			break
		}
		r.TradeID = tradeID
		r.BattleID = uint64(battleID)
		r.Trader = common.HexToAddress(trader)
		if r.Tokens, err = parseAmount(tokens); err != nil {
			return nil, err
		}
		if r.Gross, err = parseAmount(gross); err != nil {
			return nil, err
		}
		if r.Net, err = parseAmount(net); err != nil {
			return nil, err
		}
		resp.Trades = append(resp.Trades, r)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks trade hash-chain continuity in the event log and
// that every battle's custody escrow matches what the market still owes.
func (qs *Service) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{}

	if qs.db != nil {
		// Within a battle each trade's prev_hash must equal the state_hash
		// of the trade before it.
		rows, err := qs.db.QueryContext(ctx, `
			SELECT sequence FROM (
				SELECT sequence, prev_hash,
				       LAG(state_hash) OVER (PARTITION BY battle_id ORDER BY sequence) AS expected
				FROM event_log.events
				WHERE event_type = $1
			) chain
			WHERE expected IS NOT NULL AND prev_hash <> expected
			ORDER BY sequence
			LIMIT 10
		`, event.EventTypeTradeExecuted.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				rows.Close()
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if qs.custody != nil {
		if err := qs.custody.Validate(); err != nil {
			report.LedgerError = err.Error()
		}

		pending := make(map[uint64]*uint256.Int)
		for _, p := range qs.engine.PendingPayouts() {
			sum, ok := pending[p.BattleID]
			if !ok {
				sum = new(uint256.Int)
				pending[p.BattleID] = sum
			}
			sum.Add(sum, p.Amount)
		}

		for _, id := range qs.engine.BattleIDs() {
			view, err := qs.engine.Battle(id)
			if err != nil {
				return nil, err
			}
			a, b, err := qs.engine.FinalPools(id)
			if err != nil {
				return nil, err
			}
			owed := new(uint256.Int).Add(a, b)
			if sum, ok := pending[id]; ok {
				owed.Add(owed, sum)
			}
			if err := qs.custody.Reconcile(id, view.Battle.Asset.Token, owed); err != nil {
				report.EscrowMismatches = append(report.EscrowMismatches, EscrowMismatch{
					BattleID: id,
					Detail:   err.Error(),
				})
			}
			report.CheckedBattles++
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.EscrowMismatches) == 0 &&
		report.LedgerError == ""
	return report, nil
}

// --- helpers ---

func (qs *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE projection_name = $1
	`, projection.WatermarkName).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}

func (qs *Service) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, errorType(*errp)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func errorType(err error) string {
	switch {
	case errors.Is(err, core.ErrBattleNotFound):
		return "not_found"
	case errors.Is(err, core.ErrValidation), errors.Is(err, ErrInvalidFilter):
		return "validation"
	default:
		return "internal"
	}
}
