// Package transcribe wraps the configured speech-to-text CLI. The command is
// opaque: its argv is templated with the audio file path and its stdout is
// taken verbatim as the transcript.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warelaydev/warelay/internal/process"
	"github.com/warelaydev/warelay/internal/template"
)

// RunFunc spawns the transcription child; swapped out in tests.
type RunFunc func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error)

// Runner invokes the transcription CLI for audio media paths.
type Runner struct {
	argv    []string
	timeout time.Duration
	run     RunFunc
	logger  *slog.Logger
}

// NewRunner builds a runner for the configured argv. Returns nil when no
// command is configured, which callers treat as "transcription disabled".
func NewRunner(argv []string, timeoutSeconds int, logger *slog.Logger) *Runner {
	if len(argv) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		argv:    argv,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		run:     process.Run,
		logger:  logger.With("component", "transcribe"),
	}
}

// Transcribe runs the CLI against mediaPath and returns the transcript.
func (r *Runner) Transcribe(ctx context.Context, mediaPath string) (string, error) {
	argv := template.ApplyArgs(r.argv, template.Context{MediaPath: mediaPath})

	started := time.Now()
	res, err := r.run(ctx, argv, process.RunOptions{Timeout: r.timeout})
	if err != nil {
		return "", fmt.Errorf("transcription failed to start: %w", err)
	}
	if res.Killed {
		return "", fmt.Errorf("transcription timed out after %s", r.timeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("transcription exited with code %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	transcript := strings.TrimSpace(res.Stdout)
	r.logger.Debug("transcription finished",
		"path", mediaPath,
		"chars", len(transcript),
		"duration_ms", time.Since(started).Milliseconds())
	return transcript, nil
}
