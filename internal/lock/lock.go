// Package lock provides scoped mutual exclusion for per-user batches and
// per-fact-type review decisions, in-process or across instances via Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned when the key is already held.
var ErrLocked = errors.New("lock already held")

// Lock is a held lock. Release is idempotent.
type Lock interface {
	Release()
}

// Locker hands out locks by key without waiting.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Lock, error)
}

// IngestKey scopes a user's extraction batch.
func IngestKey(userID string) string { return "ingest:" + userID }

// ReviewKey scopes approvals of one fact type for one user.
func ReviewKey(userID, factType string) string { return "review:" + userID + ":" + factType }

// Acquire polls TryAcquire every interval until the lock is taken or ctx ends.
func Acquire(ctx context.Context, l Locker, key string, interval time.Duration) (Lock, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		held, err := l.TryAcquire(ctx, key)
		if !errors.Is(err, ErrLocked) {
			return held, err
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *Local) TryAcquire(ctx context.Context, key string) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	return &localLock{owner: l, key: key}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type localLock struct {
	owner *Local
	key   string
	once  sync.Once
}

func (ll *localLock) Release() {
	ll.once.Do(func() {
		ll.owner.mu.Lock()
		delete(ll.owner.held, ll.key)
		ll.owner.mu.Unlock()
	})
}
