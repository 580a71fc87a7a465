// Package probe measures audio duration with ffprobe, falling back to the
// MP4 movie header for .m4a files.
package probe

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/command"
)

const (
	DefaultFFprobe = "ffprobe"
	DefaultTimeout = 30 * time.Second
)

// Prober resolves audio durations in seconds.
type Prober struct {
	ffprobe string
	runner  command.Runner
	timeout time.Duration
}

// New returns a Prober using the ffprobe binary at path. An empty path
// means "ffprobe" on PATH; a nil runner executes processes directly.
func New(ffprobe string, runner command.Runner) *Prober {
	if ffprobe == "" {
		ffprobe = DefaultFFprobe
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &Prober{ffprobe: ffprobe, runner: runner, timeout: DefaultTimeout}
}

// Args returns the ffprobe arguments used for path.
func Args(path string) []string {
	return []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=nw=1:nk=1", path}
}

// Duration returns the duration of path, or 0 when it cannot be measured.
func (p *Prober) Duration(ctx context.Context, path string) float64 {
	if d := p.ffprobeDuration(ctx, path); d > 0 {
		return d
	}
	if strings.EqualFold(filepath.Ext(path), ".m4a") {
		if d, err := MP4Duration(path); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func (p *Prober) ffprobeDuration(ctx context.Context, path string) float64 {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.runner.Run(ctx, p.ffprobe, Args(path)...)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err == nil && v > 0 {
			return v
		}
	}
	return 0
}
