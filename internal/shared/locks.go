package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PeriodLockKey builds redis keys for period critical sections.
func PeriodLockKey(periodID int64) string {
	return fmt.Sprintf("periods:%d:lock", periodID)
}

// ErrLockHeld indicates another request currently holds the advisory lock.
var ErrLockHeld = errors.New("advisory lock held")

// PeriodLocker takes short-lived advisory locks around period transitions.
// The database row lock remains authoritative; the advisory lock keeps a
// second caller from queueing on the row lock for the full transaction.
type PeriodLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPeriodLocker constructs a PeriodLocker. A nil client disables locking.
func NewPeriodLocker(client *redis.Client, ttl time.Duration) *PeriodLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PeriodLocker{client: client, ttl: ttl}
}

// Acquire takes the advisory lock for a period. Returns ErrLockHeld when the
// lock is already taken. The returned release func is safe to call once.
func (l *PeriodLocker) Acquire(ctx context.Context, periodID int64) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := PeriodLockKey(periodID)
	ok, err := l.client.SetNX(ctx, key, time.Now().UnixNano(), l.ttl).Result()
	if err != nil {
		// Redis being down must not block closings; fall through to row locks.
		return func() {}, nil
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = l.client.Del(context.WithoutCancel(ctx), key).Err()
	}, nil
}
