package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// runLocks is a keyed mutex with bounded wait, used to serialize
// singleton workflows. Waiters block up to the timeout, then give up so
// a stuck run cannot wedge the worker pool.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]chan struct{})}
}

// Acquire takes the lock for key, waiting up to timeout. The returned
// release function must be called exactly once.
func (l *runLocks) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	sem := l.semaphore(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out after %s waiting for run lock %q", timeout, key)
	}
}

func (l *runLocks) semaphore(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[key] = sem
	}
	return sem
}
