// Package filelock provides per-path advisory locks with a bounded wait.
//
// Two strategies sit behind the Locker interface: flock(2) on an open lock
// file, and exclusive creation of the lock file. Callers pick one with a
// Strategy and never see the difference.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Common errors
var (
	// ErrLocked reports a single failed attempt because another owner holds the lock.
	ErrLocked = errors.New("lock held by another owner")
	// ErrTimeout is returned by Acquire when the wait bound elapses.
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrUnsupported is returned for a strategy the platform cannot provide.
	ErrUnsupported = errors.New("lock strategy not supported on this platform")
	// ErrInvalidPID is returned when a lock file does not hold a PID.
	ErrInvalidPID = errors.New("invalid PID in lock file")
)

const (
	// DefaultPollInterval is the wait between attempts under contention.
	DefaultPollInterval = 200 * time.Millisecond

	filePerm = 0644
)

// Strategy names a locking implementation.
type Strategy string

const (
	StrategyAuto      Strategy = "auto"
	StrategyFlock     Strategy = "flock"
	StrategyExclusive Strategy = "exclusive"
)

// Locker makes a single non-blocking acquisition attempt.
type Locker interface {
	// TryLock returns ErrLocked when another owner holds path.
	TryLock(path string) (Handle, error)
	Name() string
}

// Handle releases a held lock.
type Handle interface {
	Release() error
}

// NewLocker returns the Locker for strategy. StrategyAuto prefers flock.
func NewLocker(strategy Strategy) (Locker, error) {
	switch strategy {
	case "", StrategyAuto:
		if flockSupported {
			return flockLocker{}, nil
		}
		return exclusiveLocker{}, nil
	case StrategyFlock:
		if !flockSupported {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, strategy)
		}
		return flockLocker{}, nil
	case StrategyExclusive:
		return exclusiveLocker{}, nil
	default:
		return nil, fmt.Errorf("unknown lock strategy %q", strategy)
	}
}

// Acquirer polls a Locker until it succeeds or a timeout elapses.
type Acquirer struct {
	locker   Locker
	interval time.Duration
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Acquirer) {
		if d > 0 {
			a.interval = d
		}
	}
}

// NewAcquirer creates an Acquirer using the given Locker.
func NewAcquirer(locker Locker, opts ...Option) *Acquirer {
	a := &Acquirer{locker: locker, interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Strategy reports the underlying Locker name.
func (a *Acquirer) Strategy() string {
	return a.locker.Name()
}

// Lock is a held lock. Release is idempotent.
type Lock struct {
	path   string
	handle Handle
	once   sync.Once
	err    error
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and best-effort deletes the lock file.
func (l *Lock) Release() error {
	l.once.Do(func() {
		l.err = l.handle.Release()
	})
	return l.err
}

// Acquire takes the lock at path, polling on contention. A zero timeout
// makes a single attempt. It returns an error wrapping ErrTimeout when the
// bound elapses.
func (a *Acquirer) Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)

	for {
		h, err := a.locker.TryLock(path)
		if err == nil {
			return &Lock{path: path, handle: h}, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
		}

		wait := a.interval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// exclusiveLocker creates the lock file with O_EXCL and records the holder PID.
type exclusiveLocker struct{}

func (exclusiveLocker) Name() string { return string(StrategyExclusive) }

func (e exclusiveLocker) TryLock(path string) (Handle, error) {
	h, err := e.create(path)
	if !errors.Is(err, ErrLocked) {
		return h, err
	}

	if !removeStale(path) {
		return nil, ErrLocked
	}
	return e.create(path)
}

func (exclusiveLocker) create(path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	return exclusiveHandle{path: path}, nil
}

type exclusiveHandle struct {
	path string
}

// Release deletes the lock file. Removal failures are swallowed.
func (h exclusiveHandle) Release() error {
	os.Remove(h.path)
	return nil
}

// removeStale deletes a lock file whose recorded holder is gone.
func removeStale(path string) bool {
	pid, err := ReadPID(path)
	if err != nil {
		return false
	}
	if processAlive(pid) {
		return false
	}
	return reclaim(path)
}

// reclaim moves the lock file aside before deleting it, so two callers
// that both saw the same dead holder cannot delete each other's fresh
// lock. A file that turns out to belong to a live holder is linked back.
func reclaim(path string) bool {
	aside := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		return false
	}

	pid, err := ReadPID(aside)
	if err == nil && !processAlive(pid) {
		os.Remove(aside)
		return true
	}

	// Link fails when someone else already recreated path.
	os.Link(aside, path)
	os.Remove(aside)
	return false
}

// ReadPID reads the holder PID recorded in a lock file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrInvalidPID
	}
	return pid, nil
}
