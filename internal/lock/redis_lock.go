package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy means another holder owns the key; callers skip rather than wait.
var ErrLockBusy = errors.New("lock busy")

// TaskPrefix namespaces the per-task lock shared by reconciliation and operator repairs.
const TaskPrefix = "labelflow:lock:task:"

// RedisLocker hands out non-blocking leases on Redis keys.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker builds a locker whose keys are namespaced with prefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Lease is a held lock. It expires on its own after the TTL it was taken with.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Key returns the full Redis key the lease holds.
func (l *Lease) Key() string { return l.key }

// TryAcquire takes the lock for name or returns ErrLockBusy immediately.
func (r *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return &Lease{client: r.client, key: key, token: token}, nil
}

// Release drops the lock if this lease still owns it. A lease that already
// expired (and possibly moved to another holder) is left alone.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
