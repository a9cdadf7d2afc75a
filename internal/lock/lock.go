// Package lock provides a TTL-bounded distributed execution lock over the
// shared key-value store. Presence of the key means the lock is held.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tileworks/platform/internal/metrics"
	"github.com/tileworks/platform/pkg/logger"
	"github.com/tileworks/platform/pkg/redis"
)

// KeyPrefix is the namespace shared by every execution lock.
const KeyPrefix = "lock:"

// heldValue is stored when no ownership token is used.
var heldValue = []byte("1")

// Key builds lock:<domain>:<resource>.
func Key(domain, resource string) string {
	return KeyPrefix + domain + ":" + resource
}

// Locker 分布式执行锁
type Locker struct {
	kv      redis.KV
	log     *logger.Logger
	metrics *metrics.Metrics

	ownership bool
	mu        sync.Mutex
	tokens    map[string][]byte
	newToken  func() string
}

// Option configures a Locker.
type Option func(*Locker)

// WithOwnershipToken stores a random holder token on acquire and releases
// through compare-and-delete, so an expired holder cannot delete a lock that
// another instance re-acquired.
func WithOwnershipToken() Option {
	return func(l *Locker) { l.ownership = true }
}

func WithLogger(log *logger.Logger) Option {
	return func(l *Locker) { l.log = logger.OrNop(log).WithComponent("lock") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locker) { l.metrics = m }
}

// New 创建锁
func New(kv redis.KV, opts ...Option) *Locker {
	l := &Locker{
		kv:       kv,
		log:      logger.Nop(),
		tokens:   make(map[string][]byte),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire sets key only if absent, with expiry ttl. It returns false when
// another holder owns the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	value := heldValue
	if l.ownership {
		value = []byte(l.newToken())
	}

	ok, err := l.kv.SetNX(ctx, key, value, ttl)
	if err != nil {
		l.metrics.IncLock(metrics.LockError)
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		l.metrics.IncLock(metrics.LockSkipped)
		return false, nil
	}
	l.metrics.IncLock(metrics.LockAcquired)
	if l.ownership {
		l.remember(key, value)
	}
	return true, nil
}

// Release deletes the key. Without an ownership token this is unconditional.
func (l *Locker) Release(ctx context.Context, key string) error {
	if !l.ownership {
		if err := l.kv.Del(ctx, key); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}

	token, ok := l.forget(key)
	if !ok {
		return nil
	}
	deleted, err := l.kv.CompareAndDelete(ctx, key, token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if !deleted {
		l.log.Warnf("lock expired before release", map[string]interface{}{"key": key})
	}
	return nil
}

// RunExclusive acquires key and runs fn while holding it. When the lock is
// held elsewhere it returns (false, nil) and fn does not run. The lock is
// released after fn whether fn fails or not.
func (l *Locker) RunExclusive(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		l.log.Debugf("lock held elsewhere, skipping", map[string]interface{}{"key": key})
		return false, nil
	}

	defer func() {
		// release even when ctx is already cancelled
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := l.Release(relCtx, key); relErr != nil {
			l.log.WithError(relErr).Errorf("release lock failed", map[string]interface{}{"key": key})
			err = errors.Join(err, relErr)
		}
	}()

	return true, fn(ctx)
}

func (l *Locker) remember(key string, token []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[key] = token
}

func (l *Locker) forget(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	return token, ok
}
