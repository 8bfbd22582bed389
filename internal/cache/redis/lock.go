package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Both scripts act only while the key still holds the caller's token, so a
// holder whose lease expired cannot touch its successor's lock.
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

var _ domain.LockManager = (*LockManager)(nil)

// LockManager hands out token-guarded leases using SET NX PX.
type LockManager struct {
	rdb    *redis.Client
	unlock *redis.Script
	extend *redis.Script
}

// NewLockManager creates a LockManager.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:    c.Underlying(),
		unlock: redis.NewScript(unlockLua),
		extend: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string { return "lock:" + key }

// Acquire takes the lock for ttl or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	token := uuid.NewString()
	lk := lockKey(key)
	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	return &lease{lm: lm, key: lk, token: token}, nil
}

type lease struct {
	lm    *LockManager
	key   string
	token string
	once  sync.Once
}

// Extend fails with domain.ErrLockHeld when the lease has been lost.
func (l *lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.lm.extend.Run(ctx, l.lm.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: extend lock %s: lease lost: %w", l.key, domain.ErrLockHeld)
	}
	return nil
}

// Release deletes the lock if still held. Safe to call more than once.
func (l *lease) Release() {
	l.once.Do(func() {
		// The caller's context is usually cancelled by now.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlock.Run(ctx, l.lm.rdb, []string{l.key}, l.token).Err()
	})
}
