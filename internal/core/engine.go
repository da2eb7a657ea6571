package core

import (
	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/state"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Config tunes the engine.
type Config struct {
	// Platform receives platform fees, the platform settlement share,
	// sell dust and orphaned winning shares.
	Platform common.Address

	// TransferTimeout bounds a single payout attempt.
	TransferTimeout time.Duration

	// IdempotencyCapacity is the request-id LRU size.
	IdempotencyCapacity int

	// SettleLockTTL is the lease on the cross-process settlement lock.
	SettleLockTTL time.Duration
}

// DefaultConfig returns production defaults with no platform address set.
func DefaultConfig() Config {
	return Config{
		TransferTimeout:     10 * time.Second,
		IdempotencyCapacity: 1_000_000,
		SettleLockTTL:       30 * time.Second,
	}
}

// Deps are the engine's injected collaborators. Only Transfer is required.
type Deps struct {
	Clock     Clock
	Transfer  Transferrer
	Collector Collector
	Locker    Locker
	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	// Persist receives every output with a blocking send (backpressure).
	Persist chan<- CoreOutput
	// Projection receives outputs best-effort; full channel drops.
	Projection chan<- CoreOutput
}

// CoreOutput is one emitted event with its envelope.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

// Engine is the market ledger, settlement engine and claim ledger for every
// battle. Trades on the same (battle, side) are serialized by that side's
// mutex; the two sides of a battle and different battles run in parallel.
// Settlement and claims take the battle mutex and then both side mutexes,
// always in the order battle → A → B.
type Engine struct {
	cfg         Config
	clock       Clock
	transfer    Transferrer
	collector   Collector
	locker      Locker
	idempotency *IdempotencyChecker
	payouts     *PayoutQueue
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu      sync.RWMutex
	battles map[uint64]*market
	lastID  uint64

	// reserved is the last sequence handed out; sequence is the last one
	// delivered. Outputs reserved out of delivery order wait in parked.
	reserved       atomic.Int64
	emitMu         sync.Mutex
	sequence       int64
	parked         map[int64]CoreOutput
	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// market is the mutable state of one battle.
type market struct {
	// settleMu serializes settlement and claims.
	settleMu sync.Mutex
	sides    [2]sideBook

	// battle flags are written only with every lock held, so holding
	// any single side lock gives a consistent read.
	battle     *state.Battle
	claims     *state.ClaimBook
	settlement *SettlementResult

	// auditMu guards the trade chain; acquired after a side lock.
	auditMu  sync.Mutex
	hasher   *StateHasher
	tradeSeq uint64
}

type sideBook struct {
	mu       sync.Mutex
	pool     state.SidePool
	holdings *state.Holdings
}

type chainLink struct {
	Seq  int64
	Prev [32]byte
	Hash [32]byte
}

func newMarket(b *state.Battle) *market {
	m := &market{
		battle: b,
		claims: state.NewClaimBook(),
		hasher: NewStateHasher(b.ID),
	}
	for _, s := range state.Sides {
		m.sides[s].holdings = state.NewHoldings()
	}
	return m
}

func (m *market) lockAll() {
	m.settleMu.Lock()
	m.sides[state.SideA].mu.Lock()
	m.sides[state.SideB].mu.Lock()
}

func (m *market) unlockAll() {
	m.sides[state.SideB].mu.Unlock()
	m.sides[state.SideA].mu.Unlock()
	m.settleMu.Unlock()
}

func (m *market) lockSides() {
	m.sides[state.SideA].mu.Lock()
	m.sides[state.SideB].mu.Lock()
}

func (m *market) unlockSides() {
	m.sides[state.SideB].mu.Unlock()
	m.sides[state.SideA].mu.Unlock()
}

// appendTrade assigns the next per-battle sequence, chains the hash and
// reserves the envelope sequence in the same critical section, so the log
// holds a battle's trades in chain order. Caller holds the trade's side lock.
func (m *market) appendTrade(t *event.Trade, reserve func() int64) chainLink {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()

	m.tradeSeq++
	t.Sequence = m.tradeSeq
	prev := m.hasher.GetPrevHash()
	t.Hash = m.hasher.ComputeHash(t.Sequence, tradeDigest(t))
	return chainLink{Seq: reserve(), Prev: prev, Hash: t.Hash}
}

// NewEngine wires an engine. Deps.Transfer is required.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Transfer == nil {
		return nil, fmt.Errorf("engine: transferrer is required")
	}
	if cfg.Platform == (common.Address{}) {
		return nil, fmt.Errorf("engine: platform address is required")
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultConfig().TransferTimeout
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultConfig().IdempotencyCapacity
	}
	if cfg.SettleLockTTL <= 0 {
		cfg.SettleLockTTL = DefaultConfig().SettleLockTTL
	}

	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &Engine{
		cfg:            cfg,
		clock:          clock,
		transfer:       deps.Transfer,
		collector:      deps.Collector,
		locker:         deps.Locker,
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, deps.DBChecker),
		payouts:        NewPayoutQueue(),
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		battles:        make(map[uint64]*market),
		parked:         make(map[int64]CoreOutput),
		persistChan:    deps.Persist,
		projectionChan: deps.Projection,
	}, nil
}

// Platform returns the configured platform payee.
func (e *Engine) Platform() common.Address {
	return e.cfg.Platform
}

// Idempotency exposes the request-id checker for snapshot warming.
func (e *Engine) Idempotency() *IdempotencyChecker {
	return e.idempotency
}

func (e *Engine) market(id uint64) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.battles[id]
	if !ok {
		return nil, fmt.Errorf("battle %d: %w", id, ErrBattleNotFound)
	}
	return m, nil
}

// ReserveBattleID allocates a fresh battle id without creating the battle.
func (e *Engine) ReserveBattleID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastID++
	for {
		if _, taken := e.battles[e.lastID]; !taken {
			return e.lastID
		}
		e.lastID++
	}
}

// CreateBattleRequest describes a new market. A zero ID allocates one.
type CreateBattleRequest struct {
	ID        uint64
	StartTime time.Time
	EndTime   time.Time
	Sides     [2]state.SideInfo
	Asset     state.AssetRef
}

// CreateBattle opens a market with both pools and supplies at zero.
func (e *Engine) CreateBattle(req CreateBattleRequest) (*state.Battle, error) {
	b := &state.Battle{
		ID:        req.ID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Sides:     req.Sides,
		Asset:     req.Asset,
		Active:    true,
		CreatedAt: e.clock.Now(),
	}

	e.mu.Lock()
	if b.ID == 0 {
		e.lastID++
		for e.battles[e.lastID] != nil {
			e.lastID++
		}
		b.ID = e.lastID
	}
	if _, exists := e.battles[b.ID]; exists {
		e.mu.Unlock()
		return nil, opError("create", b.ID, nil, fmt.Errorf("battle %d: %w", b.ID, ErrBattleExists))
	}
	if err := b.Validate(); err != nil {
		e.mu.Unlock()
		return nil, opError("create", b.ID, nil, fmt.Errorf("%w: %v", ErrInvalidBattle, err))
	}
	if b.ID > e.lastID {
		e.lastID = b.ID
	}
	e.battles[b.ID] = newMarket(b)
	// Reserved before the battle is reachable so its trades follow it.
	seq := e.reserveSequence()
	e.mu.Unlock()

	e.emitAt(seq, &event.BattleCreated{
		BattleID:     b.ID,
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		ParticipantA: b.Sides[state.SideA].ParticipantID,
		ParticipantB: b.Sides[state.SideB].ParticipantID,
		PayoutA:      b.Sides[state.SideA].Payout,
		PayoutB:      b.Sides[state.SideB].Payout,
		Asset:        b.Asset.Token,
		Timestamp:    b.CreatedAt,
	}, nil)

	if e.metrics != nil {
		e.metrics.ActiveBattles.Inc()
	}
	e.logger.Info().
		Uint64("battle_id", b.ID).
		Time("start", b.StartTime).
		Time("end", b.EndTime).
		Str("asset", b.Asset.String()).
		Msg("battle created")

	return b.Clone(), nil
}

// SideView is a consistent read of one side.
type SideView struct {
	Pool    *uint256.Int `json:"pool"`
	Supply  *uint256.Int `json:"supply"`
	Holders int          `json:"holders"`
}

// BattleView is a consistent read of a battle and both sides.
type BattleView struct {
	Battle     *state.Battle     `json:"battle"`
	Sides      [2]SideView       `json:"sides"`
	TradeCount uint64            `json:"trade_count"`
	ChainTip   common.Hash       `json:"chain_tip"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// Battle returns a snapshot view of battle id.
func (e *Engine) Battle(id uint64) (*BattleView, error) {
	m, err := e.market(id)
	if err != nil {
		return nil, err
	}

	m.lockSides()
	defer m.unlockSides()

	v := &BattleView{Battle: m.battle.Clone()}
	for _, s := range state.Sides {
		sb := &m.sides[s]
		v.Sides[s] = SideView{
			Pool:    sb.pool.Pool(),
			Supply:  sb.pool.Supply(),
			Holders: sb.holdings.Len(),
		}
	}
	m.auditMu.Lock()
	v.TradeCount = m.tradeSeq
	v.ChainTip = common.Hash(m.hasher.GetPrevHash())
	m.auditMu.Unlock()
	if m.settlement != nil {
		v.Settlement = m.settlement.clone()
	}
	return v, nil
}

// BattleIDs lists every known battle in ascending order.
func (e *Engine) BattleIDs() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedIDsLocked()
}

// Balance returns holder's token balance on side.
func (e *Engine) Balance(id uint64, side state.Side, holder common.Address) (*uint256.Int, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	m, err := e.market(id)
	if err != nil {
		return nil, err
	}
	sb := &m.sides[side]
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.holdings.Balance(holder), nil
}

// HasClaimed reports whether holder has been paid for battle id.
func (e *Engine) HasClaimed(id uint64, holder common.Address) (bool, error) {
	m, err := e.market(id)
	if err != nil {
		return false, err
	}
	m.lockSides()
	defer m.unlockSides()
	return m.claims.HasClaimed(holder), nil
}

// reserveSequence hands out the next envelope sequence. Every reserved
// sequence must reach emitAt exactly once or delivery stalls behind it.
func (e *Engine) reserveSequence() int64 {
	return e.reserved.Add(1)
}

// emit sequences evt now and forwards it.
func (e *Engine) emit(evt event.Event, link *chainLink) {
	e.emitAt(e.reserveSequence(), evt, link)
}

// emitAt wraps evt in an envelope carrying seq and forwards outputs in
// sequence order. Must be called without any battle lock held: the persist
// send blocks.
func (e *Engine) emitAt(seq int64, evt event.Event, link *chainLink) {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s: %v", evt.EventType(), err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		BattleID:       evt.Battle(),
		Timestamp:      e.clock.Now(),
		Payload:        payload,
	}
	if link != nil {
		envelope.PrevHash = link.Prev
		envelope.StateHash = link.Hash
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.parked[seq] = CoreOutput{Envelope: envelope, Event: evt}
	for {
		output, ok := e.parked[e.sequence+1]
		if !ok {
			break
		}
		delete(e.parked, e.sequence+1)
		e.sequence++
		e.deliver(output)
	}

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
}

// deliver sends one output. Caller holds emitMu.
func (e *Engine) deliver(output CoreOutput) {
	// Persistence: blocking send. The engine stalls until the
	// persistence worker drains so no event is lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Projections: non-blocking send, drop on full. Projections can be
	// rebuilt from the persisted log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// Publish emits an event produced outside the engine, such as a lifecycle
// phase change, through the same sequenced output channels.
func (e *Engine) Publish(evt event.Event) {
	e.emit(evt, nil)
}

// Sequence returns the last delivered event sequence.
func (e *Engine) Sequence() int64 {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	return e.sequence
}

// approxFloat converts an amount for float-valued metrics.
func approxFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func cloneU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
