package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callrouter/internal/clock"
)

// ErrLockHeld is returned when a lock could not be acquired before the
// acquisition deadline.
var ErrLockHeld = errors.New("lock held by another request")

// Locker implements short-lived distributed mutual exclusion on a Store
// using SET NX with a TTL and a random token.
type Locker struct {
	store      Store
	clock      clock.Clock
	ttl        time.Duration
	retryEvery time.Duration
	maxWait    time.Duration
}

// NewLocker creates a Locker. ttl bounds how long a crashed holder can block
// others; maxWait bounds how long Acquire retries.
func NewLocker(store Store, clk clock.Clock, ttl, maxWait time.Duration) *Locker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Locker{
		store:      store,
		clock:      clk,
		ttl:        ttl,
		retryEvery: 25 * time.Millisecond,
		maxWait:    maxWait,
	}
}

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	store Store
	key   string
	token []byte
}

// Acquire takes the lock at key, retrying until maxWait elapses or ctx is
// done.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := []byte(uuid.NewString())
	deadline := l.clock.Now().Add(l.maxWait)

	for {
		ok, err := l.store.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{store: l.store, key: key, token: token}, nil
		}
		if l.clock.Now().After(deadline) {
			return nil, ErrLockHeld
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.retryEvery):
		}
	}
}

// Release frees the lock if it is still held by this holder.
func (lk *Lock) Release(ctx context.Context) error {
	_, err := lk.store.CompareAndDelete(ctx, lk.key, lk.token)
	return err
}
