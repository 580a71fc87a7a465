// Package stabilizer waits until a file has stopped growing.
package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrTimeout is returned when the file does not settle within Timeout.
var ErrTimeout = errors.New("file did not stabilize in time")

// Stabilizer waits for a file to finish writing.
type Stabilizer interface {
	WaitForStable(ctx context.Context, path string) error
}

// PollStabilizer samples size and modification time every Interval and
// reports stability after Checks consecutive identical samples.
type PollStabilizer struct {
	Interval time.Duration
	Checks   int
	// Timeout bounds the wait when ctx has no deadline. Zero waits on ctx
	// alone.
	Timeout time.Duration
}

var _ Stabilizer = (*PollStabilizer)(nil)

// NewPollStabilizer creates a polling stabilizer.
func NewPollStabilizer(interval time.Duration, checks int, timeout time.Duration) *PollStabilizer {
	return &PollStabilizer{Interval: interval, Checks: checks, Timeout: timeout}
}

type sample struct {
	size    int64
	modTime time.Time
}

// WaitForStable blocks until path is stable, ctx ends or the timeout fires.
func (s *PollStabilizer) WaitForStable(ctx context.Context, path string) error {
	internal := false
	if _, ok := ctx.Deadline(); !ok && s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		internal = true
	}

	checks := max(s.Checks, 1)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	last := sample{size: -1}
	stable := 0
	for stable < checks {
		select {
		case <-ctx.Done():
			if internal && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %s", ErrTimeout, path, s.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		cur := sample{size: info.Size(), modTime: info.ModTime()}
		if cur == last {
			stable++
			continue
		}
		stable = 0
		last = cur
	}
	return nil
}
