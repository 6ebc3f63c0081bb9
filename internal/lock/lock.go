// Package lock provides the lease lock that keeps a single timeout sweeper
// running across replicas. Every lock has an expiry so a crashed holder
// cannot keep it forever.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	"github.com/gomodule/redigo/redis"
)

// ErrNotHeld is returned by Release when the caller holds no lease.
var ErrNotHeld = errors.New("lock: not held")

// Locker is a named lease lock.
type Locker interface {
	// Acquire tries once to take the lock. false with a nil error means
	// another holder has it.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLocker is a redsync mutex over a redigo pool.
type RedisLocker struct {
	mu    sync.Mutex
	mutex *redsync.Mutex
	held  bool
}

// NewRedisLocker creates a lock called name whose lease lasts ttl.
func NewRedisLocker(pool *redis.Pool, name string, ttl time.Duration) *RedisLocker {
	rs := redsync.New(redsyncredigo.NewPool(pool))
	return &RedisLocker{
		mutex: rs.NewMutex(name,
			redsync.WithExpiry(ttl),
			redsync.WithTries(1),
		),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.mutex.LockContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return false, nil
		}
		return false, err
	}
	l.held = true
	return true, nil
}

func (l *RedisLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// lease already expired and possibly taken by another holder
		return ErrNotHeld
	}
	return nil
}

// MemoryLocker is a process-local lease lock. Several MemoryLockers sharing
// one MemoryLease behave like replicas sharing a redis lock.
type MemoryLocker struct {
	lease *MemoryLease
	ttl   time.Duration
	token int64
}

// MemoryLease is the shared state behind MemoryLockers.
type MemoryLease struct {
	mu      sync.Mutex
	holder  int64
	next    int64
	expires time.Time
	now     func() time.Time
}

// NewMemoryLease creates an unheld lease. now may be nil.
func NewMemoryLease(now func() time.Time) *MemoryLease {
	if now == nil {
		now = time.Now
	}
	return &MemoryLease{now: now}
}

// NewLocker returns a new contender for the lease.
func (m *MemoryLease) NewLocker(ttl time.Duration) *MemoryLocker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return &MemoryLocker{lease: m, ttl: ttl, token: m.next}
}

func (l *MemoryLocker) Acquire(context.Context) (bool, error) {
	m := l.lease
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.holder != 0 && m.holder != l.token && now.Before(m.expires) {
		return false, nil
	}
	m.holder = l.token
	m.expires = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryLocker) Release(context.Context) error {
	m := l.lease
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != l.token || !m.now().Before(m.expires) {
		return ErrNotHeld
	}
	m.holder = 0
	return nil
}
