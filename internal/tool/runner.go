package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a process that ran to completion with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, tail(e.Stderr, 512))
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) (RunResult, error)
}

// OSRunner executes programs on the local host. When ctx ends the process
// is killed; WaitDelay bounds how long leftover output pipes may keep Run
// from returning afterwards.
type OSRunner struct {
	WaitDelay time.Duration
}

func (r OSRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	err := cmd.Run()
	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return res, fmt.Errorf("run %s: %w", name, err)
}
