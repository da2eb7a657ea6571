package core

import (
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PayoutKind names one of the fixed outgoing transfers an operation makes.
type PayoutKind string

const (
	PayoutArtistFee     PayoutKind = "artist_fee"
	PayoutPlatformFee   PayoutKind = "platform_fee"
	PayoutProceeds      PayoutKind = "proceeds"
	PayoutDust          PayoutKind = "dust"
	PayoutWinningArtist PayoutKind = "winning_artist"
	PayoutLosingArtist  PayoutKind = "losing_artist"
	PayoutPlatformShare PayoutKind = "platform_share"
	PayoutOrphanedShare PayoutKind = "orphaned_share"
	PayoutClaim         PayoutKind = "claim"
)

// Payout is one outgoing transfer. ID is deterministic:
// "<battle>:<op-ref>:<kind>", so a retry can never be mistaken for a new
// payment.
type Payout struct {
	ID        string             `json:"id"`
	BattleID  uint64             `json:"battle_id"`
	Kind      PayoutKind         `json:"kind"`
	Recipient common.Address     `json:"recipient"`
	Asset     state.AssetRef     `json:"asset"`
	Amount    *uint256.Int       `json:"amount"`
	Status    event.PayoutStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PayoutID formats the deterministic payout identifier.
func PayoutID(battleID uint64, opRef string, kind PayoutKind) string {
	return fmt.Sprintf("%d:%s:%s", battleID, opRef, kind)
}

func (p Payout) clone() Payout {
	c := p
	if p.Amount != nil {
		c.Amount = new(uint256.Int).Set(p.Amount)
	}
	return c
}

// PayoutQueue holds payouts whose transfer failed, keyed by ID.
// Thread-safe.
type PayoutQueue struct {
	mu       sync.Mutex
	pending  map[string]Payout
	inFlight map[string]bool
}

func NewPayoutQueue() *PayoutQueue {
	return &PayoutQueue{
		pending:  make(map[string]Payout),
		inFlight: make(map[string]bool),
	}
}

// Put records a failed payout (or refreshes its attempt count).
func (q *PayoutQueue) Put(p Payout) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[p.ID] = p.clone()
	delete(q.inFlight, p.ID)
}

// Remove drops a payout that has now been delivered.
func (q *PayoutQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
	delete(q.inFlight, id)
}

// Checkout claims every pending payout not already being retried.
// Claimed payouts must be returned through Put or Remove.
func (q *PayoutQueue) Checkout() []Payout {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Payout, 0, len(q.pending))
	for id, p := range q.pending {
		if q.inFlight[id] {
			continue
		}
		q.inFlight[id] = true
		out = append(out, p.clone())
	}
	sortPayouts(out)
	return out
}

// Pending lists queued payouts, oldest first.
func (q *PayoutQueue) Pending() []Payout {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Payout, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.clone())
	}
	sortPayouts(out)
	return out
}

// Get returns the queued payout with id.
func (q *PayoutQueue) Get(id string) (Payout, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	if !ok {
		return Payout{}, false
	}
	return p.clone(), true
}

// Len returns the number of queued payouts.
func (q *PayoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func sortPayouts(ps []Payout) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// newPayout builds a pending payout, or returns false when amount is zero.
func (e *Engine) newPayout(b *state.Battle, opRef string, kind PayoutKind, to common.Address, amount *uint256.Int, now time.Time) (Payout, bool) {
	if amount == nil || amount.IsZero() {
		return Payout{}, false
	}
	return Payout{
		ID:        PayoutID(b.ID, opRef, kind),
		BattleID:  b.ID,
		Kind:      kind,
		Recipient: to,
		Asset:     b.Asset,
		Amount:    new(uint256.Int).Set(amount),
		Status:    event.PayoutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, true
}

// dispatch sends each payout once. Must be called without any battle lock
// held. Returns every payout with its outcome, and the failed subset, which
// is also queued for retry.
func (e *Engine) dispatch(ctx context.Context, payouts []Payout) (all, failed []Payout) {
	all = make([]Payout, 0, len(payouts))
	for _, p := range payouts {
		done := e.send(ctx, p)
		all = append(all, done)
		if done.Status == event.PayoutFailed {
			failed = append(failed, done)
		}
	}
	return all, failed
}

// send performs one transfer attempt and records the outcome.
func (e *Engine) send(ctx context.Context, p Payout) Payout {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.TransferTimeout)
	err := e.transfer.Transfer(tctx, p)
	cancel()

	p.Attempts++
	p.UpdatedAt = e.clock.Now()

	if err != nil {
		p.Status = event.PayoutFailed
		p.LastError = err.Error()
		e.payouts.Put(p)

		e.logger.Warn().
			Err(err).
			Str("payout_id", p.ID).
			Str("kind", string(p.Kind)).
			Str("recipient", p.Recipient.Hex()).
			Str("amount", p.Amount.Dec()).
			Int("attempts", p.Attempts).
			Msg("payout failed, queued for retry")
		if e.metrics != nil {
			e.metrics.PayoutFailures.WithLabelValues(string(p.Kind)).Inc()
		}
	} else {
		p.Status = event.PayoutSent
		p.LastError = ""
		e.payouts.Remove(p.ID)

		if e.metrics != nil {
			e.metrics.PayoutsSent.WithLabelValues(string(p.Kind)).Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.PayoutsPending.Set(float64(e.payouts.Len()))
	}

	e.emit(&event.PayoutUpdated{
		PayoutID:  p.ID,
		BattleID:  p.BattleID,
		Kind:      string(p.Kind),
		Recipient: p.Recipient,
		Asset:     p.Asset.Token,
		Amount:    new(uint256.Int).Set(p.Amount),
		Status:    p.Status,
		Attempts:  p.Attempts,
		LastError: p.LastError,
		Timestamp: p.UpdatedAt,
	}, nil)

	return p.clone()
}

// RetryPending re-sends every queued payout once. Payouts already being
// retried by a concurrent call are skipped. Returns the number delivered and
// the payouts that are still failing.
func (e *Engine) RetryPending(ctx context.Context) (int, []Payout) {
	batch := e.payouts.Checkout()
	if len(batch) == 0 {
		return 0, nil
	}
	if e.metrics != nil {
		e.metrics.PayoutRetryRuns.Inc()
	}

	sent := 0
	var failed []Payout
	for _, p := range batch {
		if ctx.Err() != nil {
			e.payouts.Put(p)
			failed = append(failed, p)
			continue
		}
		if done := e.send(ctx, p); done.Status == event.PayoutSent {
			sent++
		} else {
			failed = append(failed, done)
		}
	}

	e.logger.Info().
		Int("sent", sent).
		Int("still_pending", len(failed)).
		Msg("payout retry sweep complete")
	return sent, failed
}

// PendingPayouts lists every payout awaiting retry.
func (e *Engine) PendingPayouts() []Payout {
	return e.payouts.Pending()
}
