// Package retry runs a fallible operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 1
	// DefaultBaseDelay is the wait before the first retry.
	DefaultBaseDelay = 1 * time.Second
	// DefaultFactor multiplies the delay after each retry.
	DefaultFactor = 2.0
)

// Policy configures Do.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	// Jitter sleeps a uniform random duration in [0, delay] instead of delay.
	Jitter bool
	// Classify decides retry behaviour. Defaults to taskerr.Classify.
	Classify func(error) taskerr.Kind
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Factor:     DefaultFactor,
		Jitter:     true,
	}
}

// ExhaustedError is returned once every allowed attempt failed.
type ExhaustedError struct {
	Last     error
	Attempts int
	History  []error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do invokes op until it succeeds, returns a non-retryable error, or the
// retry budget is spent. It returns the number of attempts made.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, int, error) {
	classify := p.Classify
	if classify == nil {
		classify = taskerr.Classify
	}
	factor := p.Factor
	if factor < 1 {
		factor = DefaultFactor
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var (
		result   T
		attempts int
		history  []error
		lastErr  error
		fatal    bool
	)

	delay := p.BaseDelay
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		wait := delay
		if p.Jitter && wait > 0 {
			wait = time.Duration(rand.Float64() * float64(wait))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempts, wait, lastErr)
		}
		delay = time.Duration(float64(delay) * factor)
		return wait, false
	})

	err := goretry.Do(ctx, goretry.WithMaxRetries(uint64(maxRetries), backoff), func(ctx context.Context) error {
		attempts++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}

		lastErr = err
		history = append(history, err)
		if classify(err) == taskerr.KindNonRetryable {
			fatal = true
			return err
		}
		return goretry.RetryableError(err)
	})

	switch {
	case err == nil:
		return result, attempts, nil
	case fatal:
		return result, attempts, err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if lastErr != nil {
			return result, attempts, fmt.Errorf("retry interrupted after %d attempts (last error: %v): %w", attempts, lastErr, err)
		}
		return result, attempts, err
	default:
		return result, attempts, &ExhaustedError{Last: lastErr, Attempts: attempts, History: history}
	}
}
