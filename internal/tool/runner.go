// Package tool runs the external transfer tool and captures its output.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Result holds the outcome of one tool invocation
type Result struct {
	Command  string
	Stdout   string
	Output   string // stdout and stderr interleaved
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Diagnostic returns the full tool output, or a synthesized line with the
// exit code and command when the tool printed nothing.
func (r *Result) Diagnostic() string {
	out := strings.TrimSpace(r.Output)
	if out != "" {
		return out
	}
	if r.TimedOut {
		return fmt.Sprintf("timed out after %s: %s", r.Duration.Round(time.Millisecond), r.Command)
	}
	return fmt.Sprintf("exit code %d: %s", r.ExitCode, r.Command)
}

// Invoker runs the tool with the given arguments
type Invoker interface {
	Invoke(ctx context.Context, args ...string) (*Result, error)
}

// ErrExit is wrapped by Invoke when the tool exits non-zero
var ErrExit = errors.New("tool exited with non-zero status")

// Runner invokes a program found at Path
type Runner struct {
	Path    string
	Timeout time.Duration // per invocation, zero means none
	Env     []string
}

// NewRunner creates a runner for the given program
func NewRunner(path string, timeout time.Duration) *Runner {
	return &Runner{Path: path, Timeout: timeout}
}

// Invoke runs the program once. A non-nil error is returned for any
// non-zero exit; the Result is always populated.
func (r *Runner) Invoke(ctx context.Context, args ...string) (*Result, error) {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.Path, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	// Give a killed process a moment to release its pipes.
	cmd.WaitDelay = 2 * time.Second

	var stdout bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = combined

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Command:  CommandLine(r.Path, args),
		Stdout:   stdout.String(),
		Output:   combined.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		if strings.TrimSpace(result.Output) == "" {
			result.Output = fmt.Sprintf("timed out after %s", r.Timeout)
		} else {
			result.Output += fmt.Sprintf("\ntimed out after %s", r.Timeout)
		}
	}

	return result, fmt.Errorf("%w: %s: %v", ErrExit, result.Command, err)
}

// CommandLine renders a program and its arguments for diagnostics
func CommandLine(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, program)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// lockedBuffer is written by both the stdout and stderr copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
