package cmd

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/pidfile"
)

// stopTimeout is the maximum time to wait for graceful shutdown before sending SIGKILL
var stopTimeout = 10 * time.Second

// ErrNotRunning indicates no watcher is running for the output directory
var ErrNotRunning = errors.New("no watcher is running for this output directory")

// ErrStaleProcess indicates the PID file exists but the process is not running
var ErrStaleProcess = errors.New("stale PID file (process not running)")

// NewStopCmd creates the stop command
func NewStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the watcher for an output directory",
		Long: `Stop a running watch for the output directory.

Reads the PID from <out-dir>/.asrprogram-watch.pid and sends SIGTERM. The
watcher stops accepting new files and lets in-flight transcriptions finish.
If it doesn't exit within 10 seconds, SIGKILL is sent to force termination.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.OutDir == "" {
				return ErrOutDirMissing
			}
			return runStop(cmd, pidfile.PathFor(cfg.OutDir))
		},
	}

	cmd.Flags().StringP("out-dir", "o", "", "output directory the watcher writes to")
	return cmd
}

func runStop(cmd *cobra.Command, pidPath string) error {
	out := cmd.OutOrStdout()

	running, pid, err := pidfile.IsRunning(pidPath)
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		return ErrNotRunning
	}
	if !running {
		if err := pidfile.Remove(pidPath); err != nil {
			fmt.Fprintf(out, "Warning: failed to remove stale PID file: %v\n", err)
		}
		return ErrStaleProcess
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Fprintf(out, "Stopping watcher (PID %d)...\n", pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	if !waitForExit(pid, stopTimeout) {
		fmt.Fprintln(out, "Process did not exit gracefully, sending SIGKILL...")
		if err := process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("send SIGKILL: %w", err)
		}
		waitForExit(pid, 2*time.Second)
	}

	// A killed watcher never removes its own file.
	if err := pidfile.Remove(pidPath); err != nil {
		fmt.Fprintf(out, "Warning: failed to remove PID file: %v\n", err)
	}

	fmt.Fprintln(out, "Watcher stopped")
	return nil
}

// waitForExit polls until the process exits or timeout is reached
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	pollInterval := 100 * time.Millisecond

	for time.Now().Before(deadline) {
		if !pidfile.Alive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return false
}
