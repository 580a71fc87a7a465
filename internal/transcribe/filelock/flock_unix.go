//go:build unix

package filelock

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const flockSupported = true

type flockLocker struct{}

func (flockLocker) Name() string { return string(StrategyFlock) }

func (flockLocker) TryLock(path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// A previous holder unlinks the path on release; a lock taken on the
	// orphaned inode protects nothing.
	held, statErr := f.Stat()
	current, pathErr := os.Stat(path)
	if statErr != nil || pathErr != nil || !os.SameFile(held, current) {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return nil, ErrLocked
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &flockHandle{file: f, path: path}, nil
}

type flockHandle struct {
	file *os.File
	path string
}

// Release unlinks the path while still holding the lock, then unlocks.
func (h *flockHandle) Release() error {
	os.Remove(h.path)

	unlockErr := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", h.path, unlockErr)
	}
	return closeErr
}

// processAlive checks the PID with signal 0. EPERM means the process
// exists under another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
