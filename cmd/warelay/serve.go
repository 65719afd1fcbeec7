package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warelaydev/warelay/internal/backoff"
	"github.com/warelaydev/warelay/internal/channels/whatsapp"
	"github.com/warelaydev/warelay/internal/config"
	"github.com/warelaydev/warelay/internal/heartbeat"
	"github.com/warelaydev/warelay/internal/logging"
	"github.com/warelaydev/warelay/internal/metrics"
	"github.com/warelaydev/warelay/internal/process"
	"github.com/warelaydev/warelay/internal/reply"
	"github.com/warelaydev/warelay/internal/session"
	"github.com/warelaydev/warelay/internal/transcribe"
	"github.com/warelaydev/warelay/internal/typing"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and relay messages to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default warelay.yaml)")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (reply mode %q, agent %q)\n",
				path, cfg.Inbound.Reply.Mode, cfg.Inbound.Reply.Agent.Kind)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default warelay.yaml)")
	return cmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("WARELAY_CONFIG"); env != "" {
		return env
	}
	return "warelay.yaml"
}

// runServe wires the relay together and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	if !cfg.WhatsApp.Enabled {
		return fmt.Errorf("whatsapp channel is disabled in config")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	storePath := expandPath(cfg.Inbound.Reply.Session.Store)
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}
	store, err := session.NewStore(storePath, logger)
	if err != nil {
		return err
	}

	queue := process.NewQueue()

	opts := reply.Options{}
	if runner := transcribe.NewRunner(cfg.Inbound.TranscribeAudio.Command,
		cfg.Inbound.TranscribeAudio.TimeoutSeconds, logger); runner != nil {
		opts.Transcriber = runner
	}

	var rpc *process.RPCClient
	if cfg.Inbound.Reply.Agent.Kind == "pi" {
		rpc = process.NewRPCClient(rpcArgv(cfg.Inbound.Reply.Command), cfg.Inbound.Reply.Cwd, logger)
		defer rpc.Close()
		opts.Pi = rpc
	}

	// The typing controller and the adapter reference each other, so the
	// send hook closes over the adapter variable filled in below.
	var adapter *whatsapp.Adapter
	if interval := cfg.Inbound.Reply.TypingIntervalSeconds; interval > 0 {
		opts.Typing = typing.NewController(interval, func(ctx context.Context, chat string) error {
			if adapter == nil {
				return nil
			}
			return adapter.SendTyping(ctx, chat)
		}, logger)
	}

	engine := reply.NewEngine(cfg, store, queue, logger, opts)

	handler := func(ctx context.Context, msg reply.Message) {
		payloads, _ := engine.Reply(ctx, msg)
		if len(payloads) == 0 {
			return
		}
		if err := adapter.Send(ctx, msg.From, payloads); err != nil {
			logger.Error("failed to send reply", "to", msg.From, "error", err)
		}
	}

	adapter, err = whatsapp.New(cfg.WhatsApp, reconnectPolicy(cfg.WhatsApp.Reconnect), handler, engine.IsEcho, logger)
	if err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	defer adapter.Stop()

	scheduler := heartbeat.NewScheduler(heartbeat.Config{
		Interval:   time.Duration(cfg.Inbound.Reply.HeartbeatMinutes) * time.Minute,
		IdleWindow: cfg.Inbound.Reply.Session.HeartbeatIdleWindow(),
	}, store, queue, engine, heartbeatDispatch(cfg, adapter, logger), logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	shutdownMetrics := metrics.Serve(cfg.Metrics.Listen, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}()

	logger.Info("warelay started", "version", version)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// heartbeatDispatch resolves a session key back to a chat. Per-sender keys
// are the sender's number; the global key is deliverable only when the allow
// list names exactly one sender.
func heartbeatDispatch(cfg *config.Config, adapter *whatsapp.Adapter, logger *slog.Logger) heartbeat.DispatchFunc {
	return func(ctx context.Context, key string, payloads []reply.Payload) error {
		to := key
		if key == session.GlobalKey {
			allow := cfg.Inbound.AllowFrom
			if len(allow) != 1 || allow[0] == "*" {
				logger.Debug("no deliverable recipient for global heartbeat")
				return nil
			}
			to = allow[0]
		}
		return adapter.Send(ctx, to, payloads)
	}
}

// reconnectPolicy maps the config block onto a backoff policy, falling back
// to the library default when unset.
func reconnectPolicy(rc config.ReconnectConfig) backoff.Policy {
	if rc.InitialMs == 0 && rc.MaxMs == 0 && rc.Factor == 0 {
		policy := backoff.DefaultPolicy()
		policy.MaxAttempts = rc.MaxAttempts
		return policy
	}
	return backoff.Policy{
		InitialMs:   rc.InitialMs,
		MaxMs:       rc.MaxMs,
		Factor:      rc.Factor,
		Jitter:      rc.Jitter,
		MaxAttempts: rc.MaxAttempts,
	}
}

// rpcArgv strips the prompt placeholder from the reply command; the prompt
// travels over the RPC stream instead of argv.
func rpcArgv(command []string) []string {
	argv := make([]string, 0, len(command))
	for _, arg := range command {
		if strings.Contains(arg, "{{Body}}") || strings.Contains(arg, "{{BodyStripped}}") {
			continue
		}
		argv = append(argv, arg)
	}
	return argv
}

// expandPath expands a leading ~/ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
