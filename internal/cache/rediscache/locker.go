package rediscache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock could not be taken before ctx or the wait budget ran out.
var ErrLockTimeout = errors.New("lock wait timeout")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a per-key mutual exclusion lock shared by every process using the same redis.
// Locks expire after ttl so a crashed holder never blocks a key forever.
type Locker struct {
	c      *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
}

func NewLocker(c *redis.Client, prefix string, ttl time.Duration) *Locker {
	return &Locker{
		c:      c,
		prefix: prefix,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		wait:   ttl,
	}
}

// Lock blocks until key is held and returns the release func.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := l.prefix + key
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.c.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis lock")
		}
		if ok {
			return func() {
				// detached from ctx: the caller's deadline may already be gone
				_ = releaseScript.Run(context.Background(), l.c, []string{k}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrap(ctx.Err(), "redis lock")
		case <-t.C:
		}
	}
}
