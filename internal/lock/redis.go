package lock

import (
	"BattleLedger/internal/core"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if it still holds the caller's token,
// so a holder whose TTL lapsed cannot release the next owner's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisConfig holds connection parameters for the lock's Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, default "battleledger:lock:"
}

// RedisLocker implements core.Locker with SET NX PX and a Lua conditional
// unlock. It is how settlement stays exactly-once across engine replicas.
type RedisLocker struct {
	rdb      redis.UniversalClient
	unlockSc *redis.Script
	prefix   string
}

// DialRedis connects and pings before returning.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return NewRedisLocker(rdb, cfg.Prefix), nil
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "battleledger:lock:"
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		prefix:   prefix,
	}
}

// Acquire takes key for ttl. The returned release func is safe to call more
// than once. Returns core.ErrLockHeld when another owner holds key.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, core.ErrLockHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return release, nil
}

// Ping checks the Redis connection for health reporting.
func (l *RedisLocker) Ping(ctx context.Context) error {
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

var _ core.Locker = (*RedisLocker)(nil)
