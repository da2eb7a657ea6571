package core

import (
	"BattleLedger/internal/event"
	fpmath "BattleLedger/internal/math"
	"BattleLedger/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	opBuy  = "buy"
	opSell = "sell"
)

// BuyRequest mints side tokens against a payment.
type BuyRequest struct {
	BattleID     uint64
	Side         state.Side
	Trader       common.Address
	Payment      *uint256.Int
	MinTokensOut *uint256.Int
	Deadline     time.Time
	RequestID    string // optional dedup key
}

// SellRequest burns side tokens for a payout.
type SellRequest struct {
	BattleID     uint64
	Side         state.Side
	Trader       common.Address
	Tokens       *uint256.Int
	MinAmountOut *uint256.Int
	Deadline     time.Time
	RequestID    string // optional dedup key
}

// TradeResult is a successful trade. A non-empty PendingPayouts means the
// ledger state is final but some transfers are awaiting retry.
type TradeResult struct {
	Trade          *event.Trade
	Payouts        []Payout
	PendingPayouts []Payout
}

// Degraded reports whether any payout of the trade failed.
func (r *TradeResult) Degraded() bool {
	return len(r.PendingPayouts) > 0
}

// Buy deducts fees from the payment, mints tokens for the remainder and pays
// the fees to the side's artist and the platform. Either every ledger effect
// is applied or none is.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*TradeResult, error) {
	start := time.Now()
	side := req.Side

	res, err := e.buy(ctx, req)
	if err != nil {
		e.recordReject(opBuy, err)
		return nil, opError(opBuy, req.BattleID, &side, err)
	}
	e.recordTrade(res.Trade, start)
	return res, nil
}

func (e *Engine) buy(ctx context.Context, req BuyRequest) (res *TradeResult, err error) {
	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}
	if req.Payment == nil || req.Payment.IsZero() {
		return nil, ErrZeroAmount
	}
	if req.Payment.Gt(fpmath.MaxPayment) {
		return nil, fmt.Errorf("payment %s: %w", req.Payment.Dec(), ErrAmountTooLarge)
	}
	if err := checkTradeBasics(req.Trader, req.Deadline); err != nil {
		return nil, err
	}
	minOut := req.MinTokensOut
	if minOut == nil {
		minOut = new(uint256.Int)
	}

	if req.RequestID != "" {
		if !e.idempotency.Reserve(opBuy, req.RequestID) {
			e.recordDuplicate(opBuy)
			return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrDuplicateRequest)
		}
		defer e.settleRequestID(opBuy, req.RequestID, &err)
	}

	m, err := e.market(req.BattleID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if now.After(req.Deadline) {
		return nil, fmt.Errorf("now %s after deadline %s: %w", now.Format(time.RFC3339), req.Deadline.Format(time.RFC3339), ErrDeadlineExceeded)
	}

	sb := &m.sides[req.Side]
	sb.mu.Lock()
	trade, link, payouts, err := e.applyBuy(ctx, m, sb, req, minOut, now)
	sb.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.emitAt(link.Seq, trade, &link)
	all, pending := e.dispatch(ctx, payouts)
	return &TradeResult{Trade: trade, Payouts: all, PendingPayouts: pending}, nil
}

// applyBuy runs under the side lock.
func (e *Engine) applyBuy(ctx context.Context, m *market, sb *sideBook, req BuyRequest, minOut *uint256.Int, now time.Time) (*event.Trade, chainLink, []Payout, error) {
	b := m.battle
	if err := checkTradable(b, now); err != nil {
		return nil, chainLink{}, nil, err
	}

	fees := fpmath.SplitFees(req.Payment)
	supply := sb.pool.Supply()
	tokens := fpmath.TokensForPayment(supply, &fees.Net)
	if tokens.IsZero() {
		return nil, chainLink{}, nil, fmt.Errorf("net %s at supply %s: %w", fees.Net.Dec(), supply.Dec(), ErrZeroOutput)
	}
	if tokens.Lt(minOut) {
		return nil, chainLink{}, nil, fmt.Errorf("%w: minted %s < min %s", ErrSlippage, tokens.Dec(), minOut.Dec())
	}
	newSupply := new(uint256.Int).Add(supply, tokens)
	if newSupply.Gt(fpmath.MaxSupply) {
		return nil, chainLink{}, nil, fmt.Errorf("supply %s: %w", newSupply.Dec(), ErrAmountTooLarge)
	}

	tradeID := uuid.New()
	if e.collector != nil {
		err := e.collector.Collect(ctx, Collection{
			Ref:      tradeID.String(),
			BattleID: b.ID,
			Asset:    b.Asset,
			From:     req.Trader,
			Amount:   new(uint256.Int).Set(req.Payment),
		})
		if err != nil {
			return nil, chainLink{}, nil, fmt.Errorf("%w: %v", ErrCollectFailed, err)
		}
	}

	// Point of no return: every check has passed.
	sb.pool.Mint(&fees.Net, tokens)
	sb.holdings.Mint(req.Trader, tokens)

	trade := &event.Trade{
		TradeID:     tradeID,
		RequestID:   req.RequestID,
		BattleID:    b.ID,
		Side:        req.Side,
		Kind:        event.TradeKindBuy,
		Trader:      req.Trader,
		Tokens:      tokens,
		Gross:       cloneU256(req.Payment),
		ArtistFee:   cloneU256(&fees.ArtistFee),
		PlatformFee: cloneU256(&fees.PlatformFee),
		Net:         cloneU256(&fees.Net),
		Dust:        new(uint256.Int),
		PoolAfter:   sb.pool.Pool(),
		SupplyAfter: sb.pool.Supply(),
		Timestamp:   now,
	}
	link := m.appendTrade(trade, e.reserveSequence)

	ref := tradeID.String()
	var payouts []Payout
	if p, ok := e.newPayout(b, ref, PayoutArtistFee, b.Sides[req.Side].Payout, &fees.ArtistFee, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, ref, PayoutPlatformFee, e.cfg.Platform, &fees.PlatformFee, now); ok {
		payouts = append(payouts, p)
	}

	if err := sb.pool.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: battle %d side %s after buy: %v", b.ID, req.Side, err))
	}
	return trade, link, payouts, nil
}

// Sell burns tokens for the curve return minus fees and pays the trader, the
// side's artist and the platform. A sell that retires the last token sweeps
// the pool's rounding residue to the platform as dust.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*TradeResult, error) {
	start := time.Now()
	side := req.Side

	res, err := e.sell(ctx, req)
	if err != nil {
		e.recordReject(opSell, err)
		return nil, opError(opSell, req.BattleID, &side, err)
	}
	e.recordTrade(res.Trade, start)
	return res, nil
}

func (e *Engine) sell(ctx context.Context, req SellRequest) (res *TradeResult, err error) {
	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}
	if req.Tokens == nil || req.Tokens.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := checkTradeBasics(req.Trader, req.Deadline); err != nil {
		return nil, err
	}
	minOut := req.MinAmountOut
	if minOut == nil {
		minOut = new(uint256.Int)
	}

	if req.RequestID != "" {
		if !e.idempotency.Reserve(opSell, req.RequestID) {
			e.recordDuplicate(opSell)
			return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrDuplicateRequest)
		}
		defer e.settleRequestID(opSell, req.RequestID, &err)
	}

	m, err := e.market(req.BattleID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if now.After(req.Deadline) {
		return nil, fmt.Errorf("now %s after deadline %s: %w", now.Format(time.RFC3339), req.Deadline.Format(time.RFC3339), ErrDeadlineExceeded)
	}

	sb := &m.sides[req.Side]
	sb.mu.Lock()
	trade, link, payouts, err := e.applySell(m, sb, req, minOut, now)
	sb.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.emitAt(link.Seq, trade, &link)
	all, pending := e.dispatch(ctx, payouts)
	return &TradeResult{Trade: trade, Payouts: all, PendingPayouts: pending}, nil
}

// applySell runs under the side lock.
func (e *Engine) applySell(m *market, sb *sideBook, req SellRequest, minOut *uint256.Int, now time.Time) (*event.Trade, chainLink, []Payout, error) {
	b := m.battle
	if err := checkTradable(b, now); err != nil {
		return nil, chainLink{}, nil, err
	}

	balance := sb.holdings.Balance(req.Trader)
	if balance.Lt(req.Tokens) {
		return nil, chainLink{}, nil, fmt.Errorf("holder %s has %s, selling %s: %w",
			req.Trader.Hex(), balance.Dec(), req.Tokens.Dec(), ErrInsufficientTokens)
	}

	supply := sb.pool.Supply()
	gross := fpmath.ReturnFromSell(supply, req.Tokens)
	fees := fpmath.SplitFees(gross)
	if fees.Net.Lt(minOut) {
		return nil, chainLink{}, nil, fmt.Errorf("%w: net %s < min %s", ErrSlippage, fees.Net.Dec(), minOut.Dec())
	}
	pool := sb.pool.Pool()
	if gross.Gt(pool) {
		return nil, chainLink{}, nil, fmt.Errorf("gross %s > pool %s: %w", gross.Dec(), pool.Dec(), ErrInsufficientPool)
	}

	// Point of no return: Burn validates before it mutates, and the
	// holder balance was checked above.
	dust, err := sb.pool.Burn(gross, req.Tokens)
	if err != nil {
		return nil, chainLink{}, nil, fmt.Errorf("%w: %v", ErrInsufficientPool, err)
	}
	if err := sb.holdings.Burn(req.Trader, req.Tokens); err != nil {
		panic(fmt.Sprintf("FATAL: battle %d side %s burn after check: %v", b.ID, req.Side, err))
	}

	tradeID := uuid.New()
	trade := &event.Trade{
		TradeID:     tradeID,
		RequestID:   req.RequestID,
		BattleID:    b.ID,
		Side:        req.Side,
		Kind:        event.TradeKindSell,
		Trader:      req.Trader,
		Tokens:      cloneU256(req.Tokens),
		Gross:       gross,
		ArtistFee:   cloneU256(&fees.ArtistFee),
		PlatformFee: cloneU256(&fees.PlatformFee),
		Net:         cloneU256(&fees.Net),
		Dust:        dust,
		PoolAfter:   sb.pool.Pool(),
		SupplyAfter: sb.pool.Supply(),
		Timestamp:   now,
	}
	link := m.appendTrade(trade, e.reserveSequence)

	ref := tradeID.String()
	var payouts []Payout
	if p, ok := e.newPayout(b, ref, PayoutProceeds, req.Trader, &fees.Net, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, ref, PayoutArtistFee, b.Sides[req.Side].Payout, &fees.ArtistFee, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, ref, PayoutPlatformFee, e.cfg.Platform, &fees.PlatformFee, now); ok {
		payouts = append(payouts, p)
	}
	if p, ok := e.newPayout(b, ref, PayoutDust, e.cfg.Platform, dust, now); ok {
		payouts = append(payouts, p)
	}

	if err := sb.pool.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: battle %d side %s after sell: %v", b.ID, req.Side, err))
	}
	return trade, link, payouts, nil
}

func checkTradeBasics(trader common.Address, deadline time.Time) error {
	if trader == (common.Address{}) {
		return fmt.Errorf("%w: trader address required", ErrValidation)
	}
	if deadline.IsZero() {
		return fmt.Errorf("%w: deadline required", ErrValidation)
	}
	return nil
}

func checkTradable(b *state.Battle, now time.Time) error {
	if !b.Active {
		return fmt.Errorf("battle %d: %w", b.ID, ErrBattleInactive)
	}
	if !b.InWindow(now) {
		return fmt.Errorf("battle %d window [%s, %s]: %w", b.ID,
			b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339), ErrOutsideWindow)
	}
	return nil
}

// settleRequestID commits the request id on success and frees it on
// failure so a corrected retry may reuse it.
func (e *Engine) settleRequestID(op, requestID string, errp *error) {
	if *errp != nil {
		e.idempotency.Release(op, requestID)
		return
	}
	e.idempotency.Commit(op, requestID)
}

// BuyQuote is the result a buy would have right now.
type BuyQuote struct {
	Fees        fpmath.FeeBreakdown
	Tokens      *uint256.Int
	PoolAfter   *uint256.Int
	SupplyAfter *uint256.Int
}

// PreviewBuy quotes a buy of payment on side without mutating anything.
// Ignores the trading window so quotes work before start.
func (e *Engine) PreviewBuy(battleID uint64, side state.Side, payment *uint256.Int) (*BuyQuote, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if payment == nil || payment.IsZero() {
		return nil, ErrZeroAmount
	}
	if payment.Gt(fpmath.MaxPayment) {
		return nil, fmt.Errorf("payment %s: %w", payment.Dec(), ErrAmountTooLarge)
	}
	m, err := e.market(battleID)
	if err != nil {
		return nil, err
	}

	sb := &m.sides[side]
	sb.mu.Lock()
	supply := sb.pool.Supply()
	pool := sb.pool.Pool()
	sb.mu.Unlock()

	fees := fpmath.SplitFees(payment)
	tokens := fpmath.TokensForPayment(supply, &fees.Net)
	return &BuyQuote{
		Fees:        fees,
		Tokens:      tokens,
		PoolAfter:   pool.Add(pool, &fees.Net),
		SupplyAfter: supply.Add(supply, tokens),
	}, nil
}

// SellQuote is the result a sell would have right now.
type SellQuote struct {
	Fees        fpmath.FeeBreakdown
	PoolAfter   *uint256.Int
	SupplyAfter *uint256.Int
}

// PreviewSell quotes a sell of tokens on side without mutating anything.
// Selling more than the outstanding supply quotes zero.
func (e *Engine) PreviewSell(battleID uint64, side state.Side, tokens *uint256.Int) (*SellQuote, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if tokens == nil || tokens.IsZero() {
		return nil, ErrZeroAmount
	}
	m, err := e.market(battleID)
	if err != nil {
		return nil, err
	}

	sb := &m.sides[side]
	sb.mu.Lock()
	supply := sb.pool.Supply()
	pool := sb.pool.Pool()
	sb.mu.Unlock()

	gross := fpmath.ReturnFromSell(supply, tokens)
	q := &SellQuote{Fees: fpmath.SplitFees(gross)}
	if tokens.Gt(supply) || gross.Gt(pool) {
		q.PoolAfter, q.SupplyAfter = pool, supply
		return q, nil
	}
	q.PoolAfter = pool.Sub(pool, gross)
	q.SupplyAfter = supply.Sub(supply, tokens)
	if q.SupplyAfter.IsZero() {
		q.PoolAfter.Clear()
	}
	return q, nil
}

func (e *Engine) recordTrade(t *event.Trade, start time.Time) {
	e.logger.Debug().
		Uint64("battle_id", t.BattleID).
		Str("side", t.Side.String()).
		Str("kind", t.Kind.String()).
		Str("trader", t.Trader.Hex()).
		Str("tokens", t.Tokens.Dec()).
		Str("gross", t.Gross.Dec()).
		Str("net", t.Net.Dec()).
		Uint64("seq", t.Sequence).
		Msg("trade applied")

	if e.metrics == nil {
		return
	}
	kind := t.Kind.String()
	e.metrics.TradesApplied.WithLabelValues(kind, t.Side.String()).Inc()
	e.metrics.TradeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	e.metrics.TradeVolume.WithLabelValues(kind).Add(approxFloat(t.Gross))
	e.metrics.FeesCollected.WithLabelValues("artist").Add(approxFloat(t.ArtistFee))
	e.metrics.FeesCollected.WithLabelValues("platform").Add(approxFloat(t.PlatformFee))
}

func (e *Engine) recordReject(op string, err error) {
	e.logger.Debug().Err(err).Str("op", op).Msg("trade rejected")
	if e.metrics != nil {
		e.metrics.TradesRejected.WithLabelValues(op, classify(err).String()).Inc()
	}
}

func (e *Engine) recordDuplicate(op string) {
	if e.metrics != nil {
		e.metrics.IdempotencyDuplicates.WithLabelValues(op, "request").Inc()
	}
}
