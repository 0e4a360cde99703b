package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Command is a fully resolved child-process invocation.
type Command struct {
	// Name is the executable; Args excludes it.
	Name string
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is added on top of the host environment.
	Env map[string]string

	// Shell runs the command through the platform shell (/bin/sh or
	// cmd.exe). Every element is quoted so the shell expands nothing.
	Shell bool
}

// ExecutionResult contains the raw results of one child process.
type ExecutionResult struct {
	Stdout []byte
	Stderr []byte

	// ExitCode is the process exit code. -1 when the process was killed.
	ExitCode int

	// TimedOut is set when the process was killed by the per-call timeout.
	TimedOut bool

	Duration time.Duration
}

// DefaultWaitDelay bounds how long Execute waits for the output pipes to
// close once the child has exited.
const DefaultWaitDelay = 5 * time.Second

// Executor spawns child processes.
//
// Each process runs in its own process group so that a timeout or a
// cancellation kills the entire tree, not only the direct child.
type Executor struct {
	// WaitDelay overrides DefaultWaitDelay. A grandchild that inherited
	// stdout or stderr can otherwise keep Execute blocked after the child
	// itself has exited.
	WaitDelay time.Duration
}

// NewExecutor creates a new Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute runs cmd to completion and captures stdout and stderr.
//
// A non-zero exit is not an error. An error is returned only when the
// process could not be started (as *SpawnError), when waiting failed for a
// reason other than the exit status, or when ctx was cancelled.
//
// timeout <= 0 means no limit.
func (e *Executor) Execute(ctx context.Context, cmd Command, timeout time.Duration) (*ExecutionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cmd.Name == "" {
		return nil, &SpawnError{Op: "start", Err: errors.New("empty command")}
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, err := newCmd(cmd)
	if err != nil {
		return nil, &SpawnError{Op: "start", Path: cmd.Name, Err: err}
	}
	c.Dir = cmd.Dir
	c.Env = buildEnv(os.Environ(), cmd.Env)
	c.WaitDelay = e.waitDelay()

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, &SpawnError{Op: "start", Path: cmd.Name, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	timedOut := false
	select {
	case <-runCtx.Done():
		killProcessGroup(c)
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		timedOut = true
	case err = <-done:
	}

	res := &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if timedOut {
		res.ExitCode = -1
		return res, nil
	}

	// ErrWaitDelay means the child exited cleanly but a descendant still
	// held its output pipes.
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", cmd.Name, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (e *Executor) waitDelay() time.Duration {
	if e == nil || e.WaitDelay <= 0 {
		return DefaultWaitDelay
	}
	return e.WaitDelay
}

// buildEnv overlays declared variables on the base environment. Keys are
// applied in sorted order so the result is stable.
func buildEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	if len(extra) == 0 {
		return out
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
