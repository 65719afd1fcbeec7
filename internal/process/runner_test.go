package process

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo hello; echo oops >&2"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 || res.Killed {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "exit 3"}, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRun_TimeoutKillsWithPartialOutput(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(),
		[]string{"sh", "-c", "echo partial answer; sleep 30"},
		RunOptions{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Killed {
		t.Error("expected killed result")
	}
	if !strings.Contains(res.Stdout, "partial answer") {
		t.Errorf("partial stdout lost: %q", res.Stdout)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("escalation took too long")
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	if _, err := Run(context.Background(), []string{"/nonexistent/binary"}, RunOptions{}); err == nil {
		t.Error("expected spawn error")
	}
}

func TestRun_Cwd(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), []string{"pwd"}, RunOptions{Cwd: dir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("cwd not honored: %q", res.Stdout)
	}
}
