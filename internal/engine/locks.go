package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChallengeLocks serializes mutating operations per challenge. The lock is
// per-entity: concurrent steps on different challenges never block each
// other. Acquisition is bounded; a caller that cannot get the lock within
// the timeout receives ErrLockTimeout and is expected to retry with backoff.
//
// This is the in-process half of the concurrency contract; the store's
// version compare-and-swap catches stale writers from other processes.
type ChallengeLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*challengeLock
}

type challengeLock struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

func NewChallengeLocks() *ChallengeLocks {
	return &ChallengeLocks{locks: make(map[uuid.UUID]*challengeLock)}
}

// Acquire takes the exclusive lock for one challenge, waiting at most
// timeout (and no longer than ctx allows). On success it returns a release
// function; the caller must invoke it exactly once.
func (cl *ChallengeLocks) Acquire(ctx context.Context, id uuid.UUID, timeout time.Duration) (func(), error) {
	cl.mu.Lock()
	l, ok := cl.locks[id]
	if !ok {
		l = &challengeLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		cl.locks[id] = l
	}
	l.refs++
	cl.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ch:
		return func() { cl.release(id, l) }, nil
	case <-timer.C:
		cl.unref(id, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		cl.unref(id, l)
		return nil, ctx.Err()
	}
}

func (cl *ChallengeLocks) release(id uuid.UUID, l *challengeLock) {
	l.ch <- struct{}{}
	cl.unref(id, l)
}

// unref drops a reference and frees the map entry once no holder or waiter
// remains, so the lock table does not grow with the number of challenges
// ever touched.
func (cl *ChallengeLocks) unref(id uuid.UUID, l *challengeLock) {
	cl.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(cl.locks, id)
	}
	cl.mu.Unlock()
}
