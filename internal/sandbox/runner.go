package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CommandRunner abstracts process execution for testability.
// output is the combined stdout and stderr in write order.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (output string, exitCode int, err error)
}

// ExecRunner runs commands in their own process group so a timeout kills
// the whole tree, not just the direct child.
type ExecRunner struct {
	// WaitDelay bounds how long Wait blocks on inherited pipes after a kill.
	WaitDelay time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var out lockedBuilder
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		// A killed process surfaces as an ExitError; report the cancellation instead.
		if ctx.Err() != nil {
			return out.String(), -1, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), exitErr.ExitCode(), nil
		}
		return out.String(), -1, fmt.Errorf("exec %s: %w", name, err)
	}
	return out.String(), 0, nil
}

// lockedBuilder serialises writes from the stdout and stderr copiers so
// the combined log keeps the order the process wrote it.
type lockedBuilder struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuilder) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuilder) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
