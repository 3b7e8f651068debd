package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"viewingflow/engine"
)

// ErrLockHeld is returned when another holder owns the lease.
var ErrLockHeld = errors.New("redisbus: lock held")

// unlockLua deletes the key only while it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager hands out TTL-bound leases with SETNX.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	prefix   string
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		prefix:   "viewingflow:lock:",
	}
}

// Acquire takes the lease for key. The returned release func may be called
// more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.prefix + key

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbus: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled at shutdown.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

var _ engine.Locker = (*LockManager)(nil)
