// Package pidfile records the process running watch mode for an output
// directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Common errors
var (
	ErrNoPIDFile      = errors.New("no PID file found")
	ErrInvalidPID     = errors.New("invalid PID in file")
	ErrAlreadyRunning = errors.New("a watcher is already running for this output directory")
)

const (
	// Name is the PID file created inside the output directory.
	Name     = ".asrprogram-watch.pid"
	dirPerm  = 0755
	filePerm = 0644
)

// PathFor returns the PID file path for outDir.
func PathFor(outDir string) string {
	return filepath.Join(outDir, Name)
}

// Claim writes pid to path unless a live process already owns it. A stale
// file left by a dead process is replaced.
func Claim(path string, pid int) error {
	running, owner, err := IsRunning(path)
	if err != nil && !errors.Is(err, ErrInvalidPID) {
		return err
	}
	if running && owner != pid {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, owner)
	}
	return Write(path, pid)
}

// Write creates the PID file with the given process ID.
// Creates parent directories if needed.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	content := strconv.Itoa(pid) + "\n"
	if err := os.WriteFile(path, []byte(content), filePerm); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// Read reads the PID from the PID file.
// Returns ErrNoPIDFile if the file doesn't exist.
// Returns ErrInvalidPID if the file contains invalid data.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPIDFile
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrInvalidPID
	}
	return pid, nil
}

// Remove deletes the PID file.
// Returns nil if the file doesn't exist.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

// Release removes the PID file only while it still holds pid.
func Release(path string, pid int) error {
	owner, err := Read(path)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return nil
		}
		return err
	}
	if owner != pid {
		return nil
	}
	return Remove(path)
}

// IsRunning checks if the process with the PID in the file is alive.
// If there's no PID file, returns (false, 0, nil).
// A stale file returns (false, pid, nil).
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return Alive(pid), pid, nil
}

// Alive reports whether pid names a live process. EPERM means it exists
// but belongs to another user.
func Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// CleanStale removes the PID file if it's stale (process not running).
// Returns true if a stale PID file was removed.
func CleanStale(path string) (bool, error) {
	running, pid, err := IsRunning(path)
	if err != nil && !errors.Is(err, ErrInvalidPID) {
		return false, err
	}
	if running || (pid == 0 && err == nil) {
		return false, nil
	}
	if err := Remove(path); err != nil {
		return false, err
	}
	return true, nil
}
