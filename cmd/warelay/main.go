// Package main is the warelay CLI: a personal WhatsApp auto-reply relay that
// pipes inbound messages through a local coding agent and sends the agent's
// output back to the chat.
//
// # Basic Usage
//
// Start the relay:
//
//	warelay serve --config warelay.yaml
//
// Validate a config file without connecting:
//
//	warelay check --config warelay.yaml
//
// # Environment Variables
//
//   - WARELAY_CONFIG: path to the configuration file (default: warelay.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "warelay",
		Short:        "warelay - WhatsApp relay for local coding agents",
		Long:         "warelay connects a personal WhatsApp account to a local agent CLI:\ninbound messages become prompts, agent output becomes replies.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
	)
	return rootCmd
}
