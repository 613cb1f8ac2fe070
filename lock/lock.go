// Package lock provides a cross-process writer lock using flock(2) to
// serialise writers of the pvio journal.
//
// Callers never hold a lock object. They run code under Run and receive
// a WriterScope, a non-forgeable token proving the lock is held. Journal
// mutations take the token as a parameter so the compiler enforces that
// they happen inside the scope.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// WriterScope represents the dynamic execution region in which the
// journal writer lock is held.
//
// The interface cannot be implemented outside this package due to the
// unexported marker method.
type WriterScope interface {
	// FD returns the raw lock file descriptor (for logging/diagnostics).
	FD() int

	// Path returns the lock file path.
	Path() string

	writerScopeMarker()
}

type writerScope struct {
	f *os.File
}

func (*writerScope) writerScopeMarker() {}

func (s *writerScope) FD() int { return int(s.f.Fd()) }

func (s *writerScope) Path() string { return s.f.Name() }

const (
	initialBackoff = 25 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// Run acquires the writer lock at lockPath, executes fn, then releases.
// Acquisition uses LOCK_EX|LOCK_NB with exponential backoff and gives
// up when ctx is cancelled.
func Run(ctx context.Context, lockPath string, fn func(context.Context, WriterScope) error) error {
	f, err := acquireWriter(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &writerScope{f: f})
}

// TryRun is Run without waiting: it returns ErrHeld at once if another
// process holds the lock.
func TryRun(ctx context.Context, lockPath string, fn func(context.Context, WriterScope) error) error {
	f, err := openLock(lockPath)
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrHeld
		}
		return fmt.Errorf("flock: %w", err)
	}
	defer f.Close()

	return fn(ctx, &writerScope{f: f})
}

// ErrHeld is returned by TryRun when the lock is held elsewhere.
var ErrHeld = errors.New("writer lock held by another process")

func openLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// acquireWriter opens the lock file and acquires exclusive lock.
func acquireWriter(ctx context.Context, path string) (*os.File, error) {
	f, err := openLock(path)
	if err != nil {
		return nil, err
	}

	backoff := initialBackoff
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
