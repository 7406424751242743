package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrNotHeld     = errors.New("lock was not held by this holder")
)

// Deletes the key only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a short-lived mutual exclusion held in redis. It is not renewed:
// the TTL must outlast the critical section it guards.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Locker hands out locks under a common key prefix.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl, wait time.Duration) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
		poll:   10 * time.Millisecond,
	}
}

// TryAcquire takes the lock without waiting. It returns nil, nil when
// someone else holds it.
func (lk *Locker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := lk.prefix + key
	ok, err := lk.client.SetNX(ctx, full, token, lk.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", full, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: lk.client, key: full, token: token}, nil
}

// Acquire polls until the lock is free, ctx ends or the wait budget runs out.
func (lk *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	deadline := time.Now().Add(lk.wait)
	for {
		l, err := lk.TryAcquire(ctx, key)
		if err != nil || l != nil {
			return l, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s%s", ErrLockTimeout, lk.prefix, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lk.poll):
		}
	}
}

// WithLock runs fn while holding key.
func (lk *Locker) WithLock(ctx context.Context, key string, fn func() error) (err error) {
	l, err := lk.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
