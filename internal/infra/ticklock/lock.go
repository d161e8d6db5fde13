// Package ticklock serializes ticks across processes with an OS advisory
// file lock. A crashed holder frees the lock automatically, so the default
// strategy needs no TTL. The stale-file strategy exists for filesystems
// without flock and is opt-in only.
package ticklock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
)

// staleAfter is how old a stale-file lock must be before it is broken.
const staleAfter = 10 * time.Minute

// Ensure both strategies implement domain.TickLock.
var (
	_ domain.TickLock = (*FlockLock)(nil)
	_ domain.TickLock = (*StaleFileLock)(nil)
)

// lockInfo is written into the lock file for operator diagnostics.
type lockInfo struct {
	AcquiredAt string `json:"acquiredAt"`
	PID        int    `json:"pid"`
}

// New returns the lock implementation for the configured strategy.
func New(strategy, path string, clock domain.Clock) (domain.TickLock, error) {
	switch strategy {
	case domain.LockStrategyOS, "":
		return NewFlock(path), nil
	case domain.LockStrategyStaleFile:
		return NewStaleFile(path, clock), nil
	default:
		return nil, fmt.Errorf("%w: unknown lock strategy %q", domain.ErrConfig, strategy)
	}
}

// FlockLock is the default: a non-blocking exclusive flock on the lock file.
type FlockLock struct {
	path string
}

// NewFlock creates a FlockLock for the given path.
func NewFlock(path string) *FlockLock {
	return &FlockLock{path: path}
}

// Acquire takes the lock or returns ErrLockContention without blocking.
func (l *FlockLock) Acquire() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
			return nil, domain.ErrLockContention
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	info, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC().Format(time.RFC3339)})
	_ = f.Truncate(0)
	_, _ = f.WriteAt(info, 0)

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// StaleFileLock creates the lock file exclusively and treats a file older
// than ten minutes as abandoned. Opt-in via lock_strategy = "stale-file".
type StaleFileLock struct {
	clock domain.Clock
	path  string
}

// NewStaleFile creates a StaleFileLock for the given path.
func NewStaleFile(path string, clock domain.Clock) *StaleFileLock {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &StaleFileLock{path: path, clock: clock}
}

// Acquire creates the lock file with O_EXCL. An existing file younger than
// the stale threshold means contention; older files are broken and retried
// once.
func (l *StaleFileLock) Acquire() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			info, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: l.clock.Now().UTC().Format(time.RFC3339)})
			_, _ = f.Write(info)
			_ = f.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		stat, statErr := os.Stat(l.path)
		if statErr != nil {
			// Holder released between open and stat; retry.
			continue
		}
		if l.clock.Now().Sub(stat.ModTime()) < staleAfter {
			return nil, domain.ErrLockContention
		}
		_ = os.Remove(l.path)
	}
	return nil, domain.ErrLockContention
}
