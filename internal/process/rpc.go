package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrRPCTimeout marks an RPC turn that exceeded its deadline.
var ErrRPCTimeout = errors.New("rpc call timed out")

// RPCClient keeps a single long-lived agent child alive across calls, so
// repeated prompts skip the CLI cold start. The child speaks newline-
// delimited JSON on stdin/stdout: one prompt request per line out, event
// lines back until a "result" event closes the turn.
//
// The client is restarted on protocol errors and timeouts; calls are
// serialised because the child handles one prompt at a time.
type RPCClient struct {
	logger *slog.Logger

	mu     sync.Mutex
	argv   []string
	cwd    string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner
}

// rpcRequest is one prompt sent to the child.
type rpcRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rpcEvent is the envelope of one stdout line from the child. Only the
// fields needed to detect turn completion are decoded here; the raw lines
// are handed back for the agent parser.
type rpcEvent struct {
	Type string `json:"type"`
}

// NewRPCClient creates a client for argv. The child is spawned lazily on the
// first Invoke.
func NewRPCClient(argv []string, cwd string, logger *slog.Logger) *RPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCClient{
		argv:   argv,
		cwd:    cwd,
		logger: logger.With("component", "rpc-client"),
	}
}

// Invoke sends body to the child and returns the raw event lines of the
// resulting turn, newline-joined, ready for the agent output parser. The
// child is restarted before returning an error on timeout or protocol
// failure.
func (c *RPCClient) Invoke(ctx context.Context, body string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(rpcRequest{Type: "prompt", Message: body})
	if err != nil {
		return "", fmt.Errorf("failed to encode rpc request: %w", err)
	}
	if _, err := c.stdin.Write(append(payload, '\n')); err != nil {
		c.stopLocked()
		return "", fmt.Errorf("failed to write rpc request: %w", err)
	}

	type turn struct {
		lines []string
		err   error
	}
	turnCh := make(chan turn, 1)
	// The goroutine holds its own reference: stopLocked nils the field on
	// timeout, and a stale goroutine must never scan a restarted child's
	// stream.
	reader := c.reader
	go func() {
		var lines []string
		for reader.Scan() {
			line := strings.TrimSpace(reader.Text())
			if line == "" {
				continue
			}
			lines = append(lines, line)

			var event rpcEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				continue
			}
			if event.Type == "result" || event.Type == "error" {
				turnCh <- turn{lines: lines}
				return
			}
		}
		err := reader.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		turnCh <- turn{lines: lines, err: err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-turnCh:
		if result.err != nil {
			c.stopLocked()
			return strings.Join(result.lines, "\n"), fmt.Errorf("rpc stream failed: %w", result.err)
		}
		return strings.Join(result.lines, "\n"), nil
	case <-timeoutCh:
		c.stopLocked()
		return "", fmt.Errorf("%w after %s", ErrRPCTimeout, timeout)
	case <-ctx.Done():
		c.stopLocked()
		return "", ctx.Err()
	}
}

// ensureLocked spawns the child if it is not running. Must hold c.mu.
func (c *RPCClient) ensureLocked() error {
	if c.cmd != nil {
		return nil
	}
	if len(c.argv) == 0 {
		return fmt.Errorf("rpc argv is empty")
	}

	argv := append(append([]string{}, c.argv...), "--mode", "rpc")
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open rpc stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open rpc stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start rpc child %s: %w", argv[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	c.cmd = cmd
	c.stdin = stdin
	c.reader = scanner
	c.logger.Info("rpc child started", "argv0", argv[0], "pid", cmd.Process.Pid)
	return nil
}

// stopLocked kills and reaps the child. Must hold c.mu.
func (c *RPCClient) stopLocked() {
	if c.cmd == nil {
		return
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	_ = c.cmd.Process.Kill()
	_ = c.cmd.Wait()
	c.logger.Info("rpc child stopped", "pid", c.cmd.Process.Pid)
	c.cmd = nil
	c.stdin = nil
	c.reader = nil
}

// Close terminates the child if running.
func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}
