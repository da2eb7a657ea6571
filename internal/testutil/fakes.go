package testutil

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/lifecycle"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FakeClock is a manually advanced clock that also schedules callbacks.
// It satisfies both core.Clock and lifecycle.Scheduler.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	nextID int
}

type fakeTimer struct {
	clock   *FakeClock
	id      int
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) lifecycle.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, running every timer that comes due in
// order. Callbacks run on the caller's goroutine without the clock locked,
// and timers they schedule inside the window fire too.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()

		next.fn()
	}
}

// Set jumps the clock to t without firing timers.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
			next = t
		}
	}
	c.timers = live
	return next
}

// PendingTimers counts timers that have neither fired nor been stopped.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// FakeTransferrer records payouts in memory. Delivery is idempotent by
// payout ID, mirroring what core.Transferrer requires.
type FakeTransferrer struct {
	mu        sync.Mutex
	failAll   bool
	failKinds map[core.PayoutKind]bool
	delivered map[string]core.Payout
	attempts  map[string]int
	received  map[common.Address]*uint256.Int
}

func NewFakeTransferrer() *FakeTransferrer {
	return &FakeTransferrer{
		failKinds: make(map[core.PayoutKind]bool),
		delivered: make(map[string]core.Payout),
		attempts:  make(map[string]int),
		received:  make(map[common.Address]*uint256.Int),
	}
}

func (f *FakeTransferrer) Transfer(ctx context.Context, p core.Payout) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[p.ID]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failAll || f.failKinds[p.Kind] {
		return fmt.Errorf("transfer %s: %w", p.ID, ErrInjected)
	}
	if _, done := f.delivered[p.ID]; done {
		return nil
	}
	f.delivered[p.ID] = p
	bal, ok := f.received[p.Recipient]
	if !ok {
		bal = new(uint256.Int)
		f.received[p.Recipient] = bal
	}
	bal.Add(bal, p.Amount)
	return nil
}

// SetFailing makes every transfer fail (or succeed again).
func (f *FakeTransferrer) SetFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

// FailKind makes transfers of one payout kind fail.
func (f *FakeTransferrer) FailKind(kind core.PayoutKind, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKinds[kind] = fail
}

// Received is the total delivered to addr.
func (f *FakeTransferrer) Received(addr common.Address) *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.received[addr]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// Total is the sum of every delivered payout.
func (f *FakeTransferrer) Total() *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := new(uint256.Int)
	for _, p := range f.delivered {
		total.Add(total, p.Amount)
	}
	return total
}

// Delivered lists delivered payouts ordered by ID.
func (f *FakeTransferrer) Delivered() []core.Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Payout, 0, len(f.delivered))
	for _, p := range f.delivered {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Payout returns the delivered payout with id.
func (f *FakeTransferrer) Payout(id string) (core.Payout, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.delivered[id]
	return p, ok
}

// Attempts counts transfer calls for id, successful or not.
func (f *FakeTransferrer) Attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

// FakeContent returns canned content per participant.
type FakeContent struct {
	mu        sync.Mutex
	durations map[string]time.Duration
	errs      map[string]error
	calls     []string
}

func NewFakeContent() *FakeContent {
	return &FakeContent{
		durations: make(map[string]time.Duration),
		errs:      make(map[string]error),
	}
}

// Set registers the content duration generated for participant.
func (f *FakeContent) Set(participant string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[participant] = d
}

// Fail makes generation for participant return err.
func (f *FakeContent) Fail(participant string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[participant] = err
}

func (f *FakeContent) Generate(ctx context.Context, participantID string) (lifecycle.ContentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, participantID)
	if err := f.errs[participantID]; err != nil {
		return lifecycle.ContentRef{}, err
	}
	return lifecycle.ContentRef{
		ParticipantID: participantID,
		URI:           "fake://" + participantID,
		Duration:      f.durations[participantID],
	}, nil
}

// Calls lists generated participants, sorted.
func (f *FakeContent) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}
