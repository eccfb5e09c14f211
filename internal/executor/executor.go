// Package executor runs shell commands with timeouts.
//
// Commands are spawned in their own process group so that expiry kills the
// whole tree, not just the direct child. Non-zero exit codes are reported in
// the Result rather than as errors; errors are reserved for spawn failures.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// Command describes one shell invocation.
type Command struct {
	// Script is passed to "sh -c". Empty Script is a spawn error.
	Script  string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result captures a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Executor runs commands.
type Executor struct {
	logger *logging.Logger
}

// New creates an Executor. A nil logger is replaced with a nop logger.
func New(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{logger: logger.Named("executor")}
}

// Run executes the command, hard-killing its process group on timeout or
// context cancellation. The returned Result is valid whenever err is nil,
// including for non-zero exits and timeouts.
func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Script == "" {
		return Result{}, errors.New("executor: empty command script")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.Command("sh", "-c", cmd.Script)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("executor: starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	timedOut := false
	select {
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		// Kill the whole process group. The child was made group leader via
		// Setpgid, so -pid addresses the group.
		_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		<-done
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return Result{}, fmt.Errorf("executor: waiting for command: %w", err)
			}
		}
	}

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: c.ProcessState.ExitCode(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}

	e.logger.Debug(ctx, "command finished",
		zap.String("script", cmd.Script),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", result.Duration),
	)

	return result, nil
}
