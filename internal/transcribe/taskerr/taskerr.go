// Package taskerr classifies task failures into retryable, non-retryable and
// unknown kinds.
package taskerr

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Kind tags an error with its retry behaviour.
type Kind int

const (
	// KindUnknown errors are retried.
	KindUnknown Kind = iota
	KindRetryable
	KindNonRetryable
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non-retryable"
	default:
		return "unknown"
	}
}

// Error carries an explicit Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return wrap(KindRetryable, err)
}

// NonRetryable marks err as fatal for the current task.
func NonRetryable(err error) error {
	return wrap(KindNonRetryable, err)
}

// Newf builds a non-retryable error with a captured stack.
func Newf(format string, args ...any) error {
	return &Error{Kind: KindNonRetryable, Err: errors.Errorf(format, args...)}
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if !hasStack(err) {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Err: err}
}

// Classify inspects err and returns its Kind. An explicit Error wins over
// errno inspection.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var tagged *Error
	if stderrors.As(err, &tagged) {
		return tagged.Kind
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return KindNonRetryable
	case stderrors.Is(err, os.ErrNotExist), stderrors.Is(err, os.ErrPermission):
		return KindNonRetryable
	case stderrors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	}

	for _, errno := range transientErrnos {
		if stderrors.Is(err, errno) {
			return KindRetryable
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}

	return KindUnknown
}

var transientErrnos = []syscall.Errno{
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.EIO,
	syscall.ETIMEDOUT,
}

// TypeName returns the label written into manifest error records.
func TypeName(err error) string {
	switch Classify(err) {
	case KindNonRetryable:
		return "NonRetryableError"
	case KindRetryable:
		return "RetryableError"
	default:
		return "UnknownError"
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func hasStack(err error) bool {
	var st stackTracer
	return stderrors.As(err, &st)
}

// StackTrace returns the formatted stack of the innermost error that
// recorded one, or an empty string.
func StackTrace(err error) string {
	var trace string
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			trace = fmt.Sprintf("%+v", st.StackTrace())
		}
	}
	return trace
}
