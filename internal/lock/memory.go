package lock

import (
	"BattleLedger/internal/core"
	"context"
	"sync"
	"time"
)

// MemoryLocker is a single-process core.Locker with TTL expiry. Used when no
// Redis address is configured.
type MemoryLocker struct {
	mu    sync.Mutex
	clock core.Clock
	held  map[string]memoryHold
	next  uint64
}

type memoryHold struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker(clock core.Clock) *MemoryLocker {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &MemoryLocker{clock: clock, held: make(map[string]memoryHold)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, core.ErrLockHeld
	}
	l.next++
	token := l.next
	l.held[key] = memoryHold{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ core.Locker = (*MemoryLocker)(nil)
