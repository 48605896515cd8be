// Package invoke runs external analysis tools as subprocesses. The tools are
// black boxes with documented file contracts: an invocation declares its
// arguments, working directory, and the output artifact the tool is expected
// to leave behind. Failures surface as typed errors so the router can tell a
// crashed tool from a hung one from a silently useless one.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// stderrTail is how much tool stderr is preserved for error reporting.
const stderrTail = 4 << 10

// Invocation declares one external tool run.
type Invocation struct {
	Tool string
	Args []string

	// Dir is the working directory for the subprocess. Empty means the
	// caller's.
	Dir string

	// Output is the artifact the tool must produce. Empty disables the
	// post-run existence check.
	Output string

	// Timeout bounds the subprocess wall-clock time. Zero means no limit
	// beyond the caller's context.
	Timeout time.Duration
}

// Result describes a successfully completed invocation. Non-zero exits never
// produce one; they surface as *ToolError.
type Result struct {
	Tool    string
	Output  string
	Elapsed time.Duration
}

// Runner abstracts tool execution so the workflow router can be exercised
// with doubles that simulate failure and timeout without real binaries.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ToolError reports a non-zero exit.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

// TimeoutError reports a tool that was killed for exceeding its limit.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded timeout %s and was killed", e.Tool, e.Timeout)
}

// MissingOutputError reports a zero exit that left no output artifact.
type MissingOutputError struct {
	Tool string
	Path string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("%s exited cleanly but produced no output at %s", e.Tool, e.Path)
}

// LookPath reports whether the named executable is installed. Callers treat
// absence as a fatal startup error, never a runtime retry.
func LookPath(tool string) bool {
	_, err := exec.LookPath(tool)
	return err == nil
}

// Exec runs invocations with os/exec.
type Exec struct {
	Logger *slog.Logger
}

// Run launches the tool and blocks until it exits, is killed on timeout, or
// the context is cancelled. On timeout the declared output is removed so a
// later run can never mistake a truncated artifact for a finished one.
func (e *Exec) Run(ctx context.Context, inv Invocation) (Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Tool, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = os.Environ()
	cmd.Stdout = io.Discard
	tail := &tailWriter{max: stderrTail}
	cmd.Stderr = tail
	cmd.WaitDelay = 5 * time.Second

	logger.Debug("running tool", "tool", inv.Tool, "args", inv.Args, "dir", inv.Dir)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		if inv.Output != "" {
			_ = os.Remove(inv.Output)
		}
		return Result{}, &TimeoutError{Tool: inv.Tool, Timeout: inv.Timeout}
	}
	if ctx.Err() != nil {
		if inv.Output != "" {
			_ = os.Remove(inv.Output)
		}
		return Result{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ToolError{
				Tool:     inv.Tool,
				ExitCode: exitErr.ExitCode(),
				Stderr:   tail.String(),
			}
		}
		return Result{}, fmt.Errorf("start %s: %w", inv.Tool, err)
	}

	if inv.Output != "" {
		if _, err := os.Stat(inv.Output); err != nil {
			return Result{}, &MissingOutputError{Tool: inv.Tool, Path: inv.Output}
		}
	}

	logger.Debug("tool finished", "tool", inv.Tool, "elapsed", elapsed)
	return Result{Tool: inv.Tool, Output: inv.Output, Elapsed: elapsed}, nil
}

// tailWriter keeps the last max bytes written, for stderr excerpts.
type tailWriter struct {
	buf []byte
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(w.buf)
}
