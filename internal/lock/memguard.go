package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemGuard is an in-memory Guard for tests. Same timeout semantics as
// FileGuard, no filesystem involved.
type MemGuard struct {
	ch chan struct{}
}

// NewMemGuard creates an unlocked in-memory guard.
func NewMemGuard() *MemGuard {
	g := &MemGuard{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

// Acquire takes the guard or fails with ErrTimeout.
func (g *MemGuard) Acquire(ctx context.Context, timeout time.Duration) (Lease, error) {
	select {
	case <-g.ch:
		return &memLease{guard: g}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %s (in-memory)", ErrTimeout, timeout)
	}
}

type memLease struct {
	once  sync.Once
	guard *MemGuard
}

func (l *memLease) Release() error {
	l.once.Do(func() { l.guard.ch <- struct{}{} })
	return nil
}
