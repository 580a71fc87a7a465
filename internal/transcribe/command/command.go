// Package command runs external tools and captures their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result captures one invocation.
type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so callers can be tested without binaries.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// Run executes one command and captures stdout, stderr and the exit code.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Command: name,
		Args:    args,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, &Error{Stage: name, Result: result, Err: err}
	}

	return result, nil
}

// Error is a failed invocation with its captured output.
type Error struct {
	Stage  string
	Result Result
	Err    error
}

func (e *Error) Error() string {
	stderr := strings.TrimSpace(e.Result.Stderr)
	if stderr == "" {
		stderr = "<empty>"
	}
	return fmt.Sprintf("%s: exit=%d: %v: stderr=%s", e.Stage, e.Result.ExitCode, e.Err, stderr)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, name string, args ...string) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}
