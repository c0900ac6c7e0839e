// Package lock provides filesystem-visible mutual exclusion for the
// snapshot store. The guard is advisory flock(2) on a sidecar .lock
// file, so it excludes a second process instance as well as other
// goroutines in this one.
//
// Lock lifetimes are short (one append or one recovery commit), so
// acquisition polls with a bounded timeout instead of blocking forever.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// ErrTimeout reports that the guard could not be acquired within the
// caller's timeout. Safe to retry later.
var ErrTimeout = errors.New("lock acquisition timed out")

// Guard is the mutual-exclusion abstraction the engine depends on.
// FileGuard is the production implementation; MemGuard backs tests.
type Guard interface {
	// Acquire blocks until the lock is held, the timeout elapses
	// (ErrTimeout), or ctx is cancelled.
	Acquire(ctx context.Context, timeout time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release() error
}

// With runs fn while holding the guard, releasing on every exit path
// including panics. All store mutations go through this.
func With(ctx context.Context, g Guard, timeout time.Duration, fn func() error) error {
	lease, err := g.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

// DefaultStaleAfter is the age ceiling past which a lock file from a
// crashed or hung holder may be forcibly cleared. Generous on purpose:
// normal holds last milliseconds, a full recovery a few seconds.
const DefaultStaleAfter = 10 * time.Minute

const retryInterval = 25 * time.Millisecond

// lockInfo is written into the lock file for operator visibility.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileGuard locks a store by flocking a sidecar file next to it.
type FileGuard struct {
	path       string
	staleAfter time.Duration
}

// NewFileGuard creates a guard scoped to the store at storePath. The
// lock file is storePath + ".lock".
func NewFileGuard(storePath string) *FileGuard {
	return &FileGuard{path: storePath + ".lock", staleAfter: DefaultStaleAfter}
}

// NewFileGuardStale creates a guard with a custom stale-lock ceiling.
func NewFileGuardStale(storePath string, staleAfter time.Duration) *FileGuard {
	return &FileGuard{path: storePath + ".lock", staleAfter: staleAfter}
}

// Acquire polls flock until it succeeds or the timeout elapses. A lock
// file older than the stale ceiling is removed and re-contended; flock
// itself dies with its holder, so the age check only matters for
// holders that are alive but wedged.
func (g *FileGuard) Acquire(ctx context.Context, timeout time.Duration) (Lease, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			g.writeInfo(f)
			return &fileLease{file: f, path: g.path}, nil
		}
		f.Close()
		if err != syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("flock %s: %w", g.path, err)
		}

		g.breakIfStale()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s (%s)", ErrTimeout, timeout, g.path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// breakIfStale removes the lock file if it exceeds the age ceiling.
// Contenders then race to flock a fresh inode.
func (g *FileGuard) breakIfStale() {
	st, err := os.Stat(g.path)
	if err != nil {
		return
	}
	age := time.Since(st.ModTime())
	if age < g.staleAfter {
		return
	}
	slog.Warn("breaking stale lock",
		"path", g.path,
		"age", age.Round(time.Second),
	)
	_ = os.Remove(g.path)
}

// writeInfo records holder metadata in the lock file. Best effort; the
// flock is the actual exclusion, the content is for operators.
func (g *FileGuard) writeInfo(f *os.File) {
	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := f.Truncate(0); err != nil {
		return
	}
	_, _ = f.WriteAt(data, 0)
}

type fileLease struct {
	file *os.File
	path string
}

// Release drops the flock and closes the file. Idempotent.
func (l *fileLease) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return closeErr
}
