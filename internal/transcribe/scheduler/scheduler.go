// Package scheduler dispatches jobs over a bounded worker window with an
// optional submission rate limit and fail-fast stop.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
)

// Config bounds a Run.
type Config struct {
	// Workers is the maximum number of jobs in flight. Values below 1 mean 1.
	Workers int
	// RateLimit caps submissions per second. Zero or less disables it.
	RateLimit float64
	// FailFast stops submitting once any completed job failed. Jobs
	// already running are allowed to finish.
	FailFast bool
}

// Outcome is the completion of one job.
type Outcome[J, R any] struct {
	Index  int
	Job    J
	Result R
	Err    error
	// Failed is true when Err is set or the job reported failure.
	Failed bool
}

// Report summarizes a Run.
type Report[J, R any] struct {
	// Outcomes are in completion order.
	Outcomes  []Outcome[J, R]
	Submitted int
	Total     int
	// Stopped is true when submission ended early.
	Stopped bool
}

// Cancelled is the number of jobs never submitted.
func (r Report[J, R]) Cancelled() int {
	return r.Total - r.Submitted
}

// Job runs one unit of work.
type Job[J, R any] func(ctx context.Context, job J) (R, error)

// Run executes work for each job. failed reports whether a result that
// came back without error still counts as a failure for fail-fast; it may
// be nil. onDone, when set, is called once per completion, serialized.
func Run[J, R any](ctx context.Context, cfg Config, jobs []J, work Job[J, R], failed func(R) bool, onDone func(Outcome[J, R])) Report[J, R] {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	var (
		g    errgroup.Group
		stop atomic.Bool
		mu   sync.Mutex
		rep  = Report[J, R]{Total: len(jobs)}
	)
	sem := make(chan struct{}, workers)

submit:
	for i, job := range jobs {
		i, job := i, job // per-iteration copy (Go 1.21 loop semantics)
		if stop.Load() || ctx.Err() != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break submit
		}
		if stop.Load() || ctx.Err() != nil {
			<-sem
			break
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				<-sem
				break
			}
			if stop.Load() {
				<-sem
				break
			}
		}

		rep.Submitted++
		g.Go(func() error {
			defer func() { <-sem }()

			out := runOne(ctx, i, job, work)
			if out.Err == nil && failed != nil && failed(out.Result) {
				out.Failed = true
			}
			if out.Failed && cfg.FailFast {
				stop.Store(true)
			}

			mu.Lock()
			rep.Outcomes = append(rep.Outcomes, out)
			if onDone != nil {
				onDone(out)
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	rep.Stopped = rep.Submitted < rep.Total
	return rep
}

func runOne[J, R any](ctx context.Context, i int, job J, work Job[J, R]) (out Outcome[J, R]) {
	out = Outcome[J, R]{Index: i, Job: job}
	defer func() {
		if r := recover(); r != nil {
			out.Err = taskerr.Newf("job panicked: %v\n%s", r, debug.Stack())
			out.Failed = true
		}
	}()

	res, err := work(ctx, job)
	out.Result = res
	out.Err = err
	out.Failed = err != nil
	return out
}
