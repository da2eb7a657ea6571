package core

import (
	"BattleLedger/internal/state"
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Clock supplies the current time. The engine never calls time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Transferrer moves funds out of battle custody. Implementations must treat
// Payout.ID as an idempotency key: a retried ID that already succeeded is a
// no-op success.
type Transferrer interface {
	Transfer(ctx context.Context, p Payout) error
}

// Collection is an inbound buy payment moved from the trader into custody.
type Collection struct {
	Ref      string // trade id
	BattleID uint64
	Asset    state.AssetRef
	From     common.Address
	Amount   *uint256.Int
}

// Collector takes custody of a buy payment before the ledger mutates.
// Optional: without one the payment is assumed to arrive with the call.
type Collector interface {
	Collect(ctx context.Context, c Collection) error
}

// Locker is a cross-process mutual exclusion primitive. Acquire returns
// ErrLockHeld when another owner holds key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
