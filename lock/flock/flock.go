// Package flock implements lock.Locker with flock(2), one lock file per VM.
//
// While held, the file names its holder (pid and a caller label) so a
// second process can report who it lost to. Lock files are long-lived and
// never deleted after use.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/oobjoin/lock"
)

const retryDelay = 100 * time.Millisecond

// ErrHeld means another process kept the lock past the wait.
var ErrHeld = errors.New("lock held by another process")

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock is a cross-process exclusive lock on path.
type Lock struct {
	fl    *flock.Flock
	wait  time.Duration
	owner string
}

// New creates a Lock for path. A positive wait bounds how long Lock
// blocks; zero waits until ctx is done. owner is recorded in the file while
// the lock is held.
func New(path string, wait time.Duration, owner string) *Lock {
	return &Lock{fl: flock.New(path), wait: wait, owner: owner}
}

// Lock acquires the lock. If another process holds it longer than the wait,
// the error wraps ErrHeld and names the holder.
func (l *Lock) Lock(ctx context.Context) error {
	lctx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}
	locked, err := l.fl.TryLockContext(lctx, retryDelay)
	if locked {
		l.record(fmt.Sprintf("pid %d: %s\n", os.Getpid(), l.owner))
		return nil
	}
	if ctx.Err() == nil && lctx.Err() != nil {
		return fmt.Errorf("%w after %s: %s (%s)", ErrHeld, l.wait, l.fl.Path(), l.Holder())
	}
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.fl.Path(), err)
	}
	return fmt.Errorf("failed to acquire flock %s: context done", l.fl.Path())
}

// Unlock clears the holder record and releases the flock.
func (l *Lock) Unlock(_ context.Context) error {
	l.record("")
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// Holder returns the holder record, or "unknown holder" if there is none.
func (l *Lock) Holder() string {
	data, err := os.ReadFile(l.fl.Path())
	if s := strings.TrimSpace(string(data)); err == nil && s != "" {
		return s
	}
	return "unknown holder"
}

// record rewrites the file in place; the flock is on the inode, which
// truncation keeps.
func (l *Lock) record(s string) {
	_ = os.WriteFile(l.fl.Path(), []byte(s), 0o600) //nolint:gosec
}
