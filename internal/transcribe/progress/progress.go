// Package progress prints per-task completion lines for a batch.
package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/term"
)

// Printer reports task completions. On a terminal it redraws a single
// status line; elsewhere it prints one line per completion. A nil or
// disabled Printer is a no-op.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	total   int
	done    int
	tty     bool
	enabled bool
	width   int
}

// New returns a Printer for total tasks writing to w.
func New(w io.Writer, total int, enabled bool) *Printer {
	p := &Printer{w: w, total: total, enabled: enabled && total > 0 && w != nil}
	if f, ok := w.(*os.File); ok {
		p.tty = term.IsTerminal(int(f.Fd()))
	}
	return p
}

// IsTTY reports whether the printer redraws in place.
func (p *Printer) IsTTY() bool {
	return p != nil && p.tty
}

// Update records one completion with its status and input path.
func (p *Printer) Update(status, input string) {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	pct := float64(p.done) / float64(p.total) * 100
	line := fmt.Sprintf("[%d/%d] %5.1f%% %-7s %s", p.done, p.total, pct, status, filepath.Base(input))

	if !p.tty {
		fmt.Fprintln(p.w, line)
		return
	}

	pad := p.width - len(line)
	p.width = len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(p.w, "\r%s%*s", line, pad, "")
}

// Done returns the number of completions recorded so far.
func (p *Printer) Done() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Close ends the redrawn line.
func (p *Printer) Close() {
	if p == nil || !p.enabled || !p.tty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done > 0 {
		fmt.Fprintln(p.w)
	}
}
