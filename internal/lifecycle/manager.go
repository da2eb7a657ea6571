package lifecycle

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownBattle = errors.New("lifecycle: unknown battle")
	ErrInvalidPhase  = errors.New("lifecycle: operation not allowed in current phase")
	ErrBattleTracked = errors.New("lifecycle: battle already tracked")
	ErrClosed        = errors.New("lifecycle: manager closed")
	ErrNoDuration    = errors.New("lifecycle: battle duration unknown")
)

// Market is the part of the engine the lifecycle drives.
type Market interface {
	ReserveBattleID() uint64
	CreateBattle(req core.CreateBattleRequest) (*state.Battle, error)
	Settle(ctx context.Context, battleID uint64, winnerIsSideA bool) (*core.SettlementResult, error)
	Settlement(battleID uint64) (*core.SettlementResult, error)
	FinalPools(battleID uint64) (a, b *uint256.Int, err error)
	Publish(evt event.Event)
}

// WinnerPolicy picks the winner when settlement fires from the deadline.
type WinnerPolicy func(ctx context.Context, m Market, battleID uint64) (winnerIsSideA bool, err error)

// LargerPoolWins awards the battle to the side with the larger pool. Ties go
// to side A.
func LargerPoolWins(_ context.Context, m Market, battleID uint64) (bool, error) {
	a, b, err := m.FinalPools(battleID)
	if err != nil {
		return false, err
	}
	return !a.Lt(b), nil
}

// Config tunes timers.
type Config struct {
	DeadlineBuffer time.Duration
	RetryDelay     time.Duration
	SettleTimeout  time.Duration
	PrepareTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeadlineBuffer: DeadlineBuffer,
		RetryDelay:     RetryDelay,
		SettleTimeout:  30 * time.Second,
		PrepareTimeout: 10 * time.Minute,
	}
}

// Deps are the manager's collaborators. Market is required. Without a
// Content provider every launch must carry an explicit duration.
type Deps struct {
	Market    Market
	Scheduler Scheduler
	Content   ContentProvider
	Policy    WinnerPolicy
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// LaunchRequest starts a battle. A zero BattleID allocates one, a zero
// StartTime starts immediately, and a zero Duration uses the longer of the
// two generated contents.
type LaunchRequest struct {
	BattleID  uint64
	StartTime time.Time
	Duration  time.Duration
	Sides     [2]state.SideInfo
	Asset     state.AssetRef
}

// Progress is a point-in-time view of one battle's lifecycle.
type Progress struct {
	BattleID       uint64                 `json:"battle_id"`
	Phase          Phase                  `json:"-"`
	PhaseName      string                 `json:"phase"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	Elapsed        time.Duration          `json:"elapsed"`
	Remaining      time.Duration          `json:"remaining"`
	Fraction       float64                `json:"fraction"`
	SettleAttempts int                    `json:"settle_attempts"`
	LastError      string                 `json:"last_error,omitempty"`
	Content        [2]ContentRef          `json:"content"`
	Result         *core.SettlementResult `json:"result,omitempty"`
}

type run struct {
	id       uint64
	phase    Phase
	start    time.Time
	end      time.Time
	content  [2]ContentRef
	timer    Timer
	attempts int
	lastErr  string
	result   *core.SettlementResult
}

// Manager runs every battle through initializing → ready → active →
// ending → settled, with failed reachable from the first two. Timers
// only ever call back into the manager and the engine decides whether a
// settlement actually happens, so a timer racing a manual settle is safe.
type Manager struct {
	cfg     Config
	market  Market
	sched   Scheduler
	content ContentProvider
	policy  WinnerPolicy
	metrics *observability.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[uint64]*run
	closed bool
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Market == nil {
		return nil, fmt.Errorf("lifecycle: market is required")
	}
	def := DefaultConfig()
	if cfg.DeadlineBuffer <= 0 {
		cfg.DeadlineBuffer = def.DeadlineBuffer
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = def.PrepareTimeout
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = RealScheduler{}
	}
	policy := deps.Policy
	if policy == nil {
		policy = LargerPoolWins
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		market:  deps.Market,
		sched:   sched,
		content: deps.Content,
		policy:  policy,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[uint64]*run),
	}, nil
}

// Launch prepares content, creates the market and schedules its start and
// deadline. Blocks until the battle is ready (or active, if it starts now).
// A preparation failure leaves the battle in the failed phase.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (uint64, error) {
	id, err := m.register(req)
	if err != nil {
		return 0, err
	}
	return id, m.open(ctx, id, req)
}

// LaunchAsync registers the battle and prepares it in the background. The
// returned id is immediately visible through Phase and Progress.
func (m *Manager) LaunchAsync(req LaunchRequest) (uint64, error) {
	id, err := m.register(req)
	if err != nil {
		return 0, err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.open(m.ctx, id, req); err != nil {
			m.logger.Error().Err(err).Uint64("battle_id", id).Msg("battle launch failed")
		}
	}()
	return id, nil
}

func (m *Manager) register(req LaunchRequest) (uint64, error) {
	for _, s := range state.Sides {
		if req.Sides[s].ParticipantID == "" {
			return 0, fmt.Errorf("%w: side %s participant id required", core.ErrValidation, s)
		}
	}
	if req.Duration < 0 {
		return 0, fmt.Errorf("%w: negative duration %s", core.ErrValidation, req.Duration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	id := req.BattleID
	if id == 0 {
		id = m.market.ReserveBattleID()
	}
	if _, ok := m.runs[id]; ok {
		return 0, fmt.Errorf("battle %d: %w", id, ErrBattleTracked)
	}
	m.runs[id] = &run{id: id, phase: PhaseInitializing}

	m.logger.Info().Uint64("battle_id", id).Msg("battle initializing")
	return id, nil
}

func (m *Manager) open(ctx context.Context, id uint64, req LaunchRequest) error {
	content, err := m.prepare(ctx, req)
	if err != nil {
		m.fail(id, err)
		return fmt.Errorf("battle %d: prepare: %w", id, err)
	}

	duration := req.Duration
	if duration == 0 {
		for _, c := range content {
			if c.Duration > duration {
				duration = c.Duration
			}
		}
	}
	if duration <= 0 {
		m.fail(id, ErrNoDuration)
		return fmt.Errorf("battle %d: %w", id, ErrNoDuration)
	}

	start := req.StartTime
	if start.IsZero() {
		start = m.sched.Now()
	}
	b, err := m.market.CreateBattle(core.CreateBattleRequest{
		ID:        id,
		StartTime: start,
		EndTime:   start.Add(duration),
		Sides:     req.Sides,
		Asset:     req.Asset,
	})
	if err != nil {
		m.fail(id, err)
		return fmt.Errorf("battle %d: create: %w", id, err)
	}

	m.mu.Lock()
	r := m.runs[id]
	r.start, r.end = b.StartTime, b.EndTime
	r.content = content
	evts := []*event.PhaseChanged{m.setPhaseLocked(r, PhaseReady, "prepared")}
	now := m.sched.Now()
	if now.Before(r.start) {
		if !m.closed {
			r.timer = m.sched.AfterFunc(r.start.Sub(now), func() { m.onStart(id) })
		}
	} else {
		evts = append(evts, m.activateLocked(r, now))
	}
	m.mu.Unlock()

	m.publish(evts...)
	return nil
}

// prepare generates both sides' content concurrently.
func (m *Manager) prepare(ctx context.Context, req LaunchRequest) ([2]ContentRef, error) {
	var refs [2]ContentRef
	if m.content == nil {
		return refs, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.PrepareTimeout)
	defer cancel()

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range state.Sides {
		g.Go(func() error {
			ref, err := m.content.Generate(gctx, req.Sides[s].ParticipantID)
			if err != nil {
				return fmt.Errorf("content for side %s: %w", s, err)
			}
			refs[s] = ref
			return nil
		})
	}
	err := g.Wait()
	if m.metrics != nil {
		m.metrics.ContentDuration.Observe(time.Since(started).Seconds())
	}
	return refs, err
}

func (m *Manager) fail(id uint64, cause error) {
	m.mu.Lock()
	r := m.runs[id]
	r.lastErr = cause.Error()
	evt := m.setPhaseLocked(r, PhaseFailed, cause.Error())
	m.mu.Unlock()

	m.logger.Warn().Err(cause).Uint64("battle_id", id).Msg("battle preparation failed")
	m.publish(evt)
}

// activateLocked moves r to active and arms the settlement deadline.
func (m *Manager) activateLocked(r *run, now time.Time) *event.PhaseChanged {
	evt := m.setPhaseLocked(r, PhaseActive, "start time reached")
	m.armDeadlineLocked(r, now)
	return evt
}

func (m *Manager) armDeadlineLocked(r *run, now time.Time) {
	if m.closed {
		return
	}
	d := r.end.Add(m.cfg.DeadlineBuffer).Sub(now)
	if d < 0 {
		d = 0
	}
	id := r.id
	r.timer = m.sched.AfterFunc(d, func() { m.onDeadline(id) })
}

func (m *Manager) onStart(id uint64) {
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok || m.closed || r.phase != PhaseReady {
		m.mu.Unlock()
		return
	}
	r.timer = nil
	evt := m.activateLocked(r, m.sched.Now())
	m.mu.Unlock()

	m.logger.Info().Uint64("battle_id", id).Time("end", r.end).Msg("battle active")
	m.publish(evt)
}

// onDeadline is the automatic settlement attempt, also used for retries.
func (m *Manager) onDeadline(id uint64) {
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	var evt *event.PhaseChanged
	switch r.phase {
	case PhaseActive:
		evt = m.setPhaseLocked(r, PhaseEnding, "deadline reached")
	case PhaseEnding:
	default:
		m.mu.Unlock()
		return
	}
	r.timer = nil
	r.attempts++
	attempt := r.attempts
	m.mu.Unlock()

	m.publish(evt)
	if attempt > 1 && m.metrics != nil {
		m.metrics.SettleRetries.Inc()
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SettleTimeout)
	defer cancel()

	winnerIsSideA, err := m.policy(ctx, m.market, id)
	var res *core.SettlementResult
	if err == nil {
		res, err = m.market.Settle(ctx, id, winnerIsSideA)
	}
	m.finish(id, res, err, "deadline settlement")
}

// Settle settles a battle on request, cancelling its pending deadline or
// retry timer. Allowed once the end time has passed while the battle is
// active or ending.
func (m *Manager) Settle(ctx context.Context, id uint64, winnerIsSideA bool) (*core.SettlementResult, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("battle %d: %w", id, ErrUnknownBattle)
	}
	now := m.sched.Now()
	var evt *event.PhaseChanged
	switch r.phase {
	case PhaseActive:
		if now.Before(r.end) {
			m.mu.Unlock()
			return nil, fmt.Errorf("battle %d ends %s: %w", id, r.end.Format(time.RFC3339), core.ErrBattleNotEnded)
		}
		evt = m.setPhaseLocked(r, PhaseEnding, "manual settlement")
	case PhaseEnding:
	case PhaseSettled:
		m.mu.Unlock()
		return nil, fmt.Errorf("battle %d: %w", id, core.ErrAlreadySettled)
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("battle %d in %s: %w", id, r.phase, ErrInvalidPhase)
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts++
	m.mu.Unlock()

	m.publish(evt)

	res, err := m.market.Settle(ctx, id, winnerIsSideA)
	m.finish(id, res, err, "manual settlement")
	return res, err
}

// finish records a settlement attempt. Losing a race to another settler
// still ends in settled; any other failure re-arms a retry.
func (m *Manager) finish(id uint64, res *core.SettlementResult, err error, reason string) {
	if errors.Is(err, core.ErrAlreadySettled) {
		if recorded, serr := m.market.Settlement(id); serr == nil {
			res = recorded
		}
		err = nil
		reason = "settled concurrently"
	}

	m.mu.Lock()
	r := m.runs[id]
	var evt *event.PhaseChanged
	var retryIn time.Duration
	if err == nil {
		r.lastErr = ""
		if res != nil {
			r.result = res
		}
		if r.phase != PhaseSettled {
			evt = m.setPhaseLocked(r, PhaseSettled, reason)
		}
	} else {
		r.lastErr = err.Error()
		if r.phase == PhaseEnding && r.timer == nil && !m.closed {
			now := m.sched.Now()
			retryIn = m.cfg.RetryDelay
			if untilDeadline := r.end.Add(m.cfg.DeadlineBuffer).Sub(now); untilDeadline > retryIn {
				retryIn = untilDeadline
			}
			r.timer = m.sched.AfterFunc(retryIn, func() { m.onDeadline(id) })
		}
	}
	attempts := r.attempts
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().
			Err(err).
			Uint64("battle_id", id).
			Int("attempts", attempts).
			Dur("retry_in", retryIn).
			Msg("settlement attempt failed")
	} else {
		m.logger.Info().
			Uint64("battle_id", id).
			Int("attempts", attempts).
			Str("reason", reason).
			Msg("battle lifecycle settled")
	}
	m.publish(evt)
}

// Adopt tracks a battle restored from a snapshot, re-arming whichever timer
// its times call for.
func (m *Manager) Adopt(b *state.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.runs[b.ID]; ok {
		return fmt.Errorf("battle %d: %w", b.ID, ErrBattleTracked)
	}

	r := &run{id: b.ID, start: b.StartTime, end: b.EndTime}
	now := m.sched.Now()
	switch {
	case b.WinnerDecided:
		r.phase = PhaseSettled
		if res, err := m.market.Settlement(b.ID); err == nil {
			r.result = res
		}
	case now.Before(b.StartTime):
		r.phase = PhaseReady
		id := b.ID
		r.timer = m.sched.AfterFunc(b.StartTime.Sub(now), func() { m.onStart(id) })
	default:
		r.phase = PhaseActive
		m.armDeadlineLocked(r, now)
	}
	m.runs[b.ID] = r

	m.logger.Info().
		Uint64("battle_id", b.ID).
		Str("phase", r.phase.String()).
		Msg("battle adopted")
	return nil
}

// setPhaseLocked applies a transition and returns the event to publish once
// the manager lock is released.
func (m *Manager) setPhaseLocked(r *run, to Phase, reason string) *event.PhaseChanged {
	from := r.phase
	if !from.CanTransitionTo(to) {
		m.logger.Error().
			Uint64("battle_id", r.id).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("invalid phase transition ignored")
		return nil
	}
	r.phase = to

	if m.metrics != nil {
		m.metrics.PhaseTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	return &event.PhaseChanged{
		BattleID:  r.id,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		Timestamp: m.sched.Now(),
	}
}

func (m *Manager) publish(evts ...*event.PhaseChanged) {
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		m.logger.Debug().
			Uint64("battle_id", evt.BattleID).
			Str("from", evt.From).
			Str("to", evt.To).
			Str("reason", evt.Reason).
			Msg("phase changed")
		m.market.Publish(evt)
	}
}

// Phase returns a battle's current phase.
func (m *Manager) Phase(id uint64) (Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return 0, fmt.Errorf("battle %d: %w", id, ErrUnknownBattle)
	}
	return r.phase, nil
}

// Progress reports a battle's phase and how far through its window it is.
func (m *Manager) Progress(id uint64) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("battle %d: %w", id, ErrUnknownBattle)
	}
	return m.progressLocked(r, m.sched.Now()), nil
}

// List reports every tracked battle in ascending id order.
func (m *Manager) List() []*Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.sched.Now()
	out := make([]*Progress, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, m.progressLocked(r, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BattleID < out[j].BattleID })
	return out
}

func (m *Manager) progressLocked(r *run, now time.Time) *Progress {
	p := &Progress{
		BattleID:       r.id,
		Phase:          r.phase,
		PhaseName:      r.phase.String(),
		StartTime:      r.start,
		EndTime:        r.end,
		SettleAttempts: r.attempts,
		LastError:      r.lastErr,
		Content:        r.content,
		Result:         r.result,
	}
	if r.start.IsZero() {
		return p
	}
	total := r.end.Sub(r.start)
	p.Elapsed = min(max(now.Sub(r.start), 0), total)
	p.Remaining = max(r.end.Sub(now), 0)
	if total > 0 {
		p.Fraction = float64(p.Elapsed) / float64(total)
	}
	return p
}

// Close stops every timer and waits for background launches to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, r := range m.runs {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("lifecycle manager stopped")
}
