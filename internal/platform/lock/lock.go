// Package lock serialises work on a single key across one process or, with
// redis, across every replica of the service.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock stayed busy until the wait ran out.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives up a held lock.
type Release func(ctx context.Context) error

// Locker acquires exclusive, expiring locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker returns a locker whose locks expire after ttl. Acquire waits
// up to ttl for a busy lock.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "screening:lock:",
		ttl:    ttl,
		wait:   ttl,
		retry:  25 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	fullKey := l.prefix + key
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				return releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// LocalLocker implements Locker within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewLocalLocker returns an in-process locker. Acquire waits up to wait for a
// busy key.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		busy, ok := l.held[key]
		if !ok {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func(context.Context) error {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
				return nil
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-busy:
		case <-timer.C:
			return nil, ErrNotAcquired
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
