package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Grace periods between escalation signals when a run exceeds its timeout.
const (
	interruptGrace = 2 * time.Second
	termGrace      = 2 * time.Second
)

// Result captures the outcome of one child process run. A non-zero exit or a
// kill is reported here, not as an error; errors are reserved for spawn
// failures.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	Killed   bool
}

// RunOptions configures a one-shot child process run.
type RunOptions struct {
	// Cwd is the working directory; empty inherits the parent's.
	Cwd string
	// Timeout bounds the run; zero means no timeout. On expiry the child
	// is terminated with escalating signals and Result.Killed is set.
	Timeout time.Duration
	// Stdin is written to the child's stdin when non-empty.
	Stdin string
}

// Run spawns argv, captures stdout/stderr in full, and waits for completion,
// the timeout, or ctx cancellation. Signals escalate SIGINT, SIGTERM, then
// SIGKILL.
func Run(ctx context.Context, argv []string, opts RunOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty argv")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	// Own process group so escalation reaches grandchildren too, and
	// abandon the I/O pipes shortly after exit so a stray grandchild
	// holding stdout cannot stall Wait.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(opts.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	killed := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeoutCh:
		killed = true
		waitErr = terminate(cmd, done)
	case <-ctx.Done():
		killed = true
		waitErr = terminate(cmd, done)
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Killed: killed,
	}
	fillExitStatus(&res, waitErr)
	return res, nil
}

// terminate escalates signals against cmd's process group until its Wait
// returns.
func terminate(cmd *exec.Cmd, done chan error) error {
	signals := []syscall.Signal{syscall.SIGINT, syscall.SIGTERM}
	graces := []time.Duration{interruptGrace, termGrace}

	for i, sig := range signals {
		signalGroup(cmd, sig)
		select {
		case err := <-done:
			return err
		case <-time.After(graces[i]):
		}
	}
	signalGroup(cmd, syscall.SIGKILL)
	return <-done
}

// signalGroup delivers sig to the child's process group, falling back to the
// child alone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// fillExitStatus decodes a Wait error into exit code and signal name.
func fillExitStatus(res *Result, waitErr error) {
	if waitErr == nil {
		res.ExitCode = 0
		return
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		res.ExitCode = -1
		return
	}
	res.ExitCode = exitErr.ExitCode()
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		res.Signal = status.Signal().String()
		res.ExitCode = -1
	}
}
