package reply

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warelaydev/warelay/internal/config"
	"github.com/warelaydev/warelay/internal/directive"
	"github.com/warelaydev/warelay/internal/process"
	"github.com/warelaydev/warelay/internal/session"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Inbound.AllowFrom = []string{"*"}
	cfg.Inbound.SameNumberEcho = "raw"
	cfg.Inbound.Reply.Mode = "command"
	cfg.Inbound.Reply.Command = []string{"claude", "-p", "{{Body}}"}
	cfg.Inbound.Reply.TimeoutSeconds = 5
	cfg.Inbound.Reply.Agent.Kind = "claude"
	cfg.Inbound.Reply.Session.Scope = session.ScopePerSender
	cfg.Inbound.Reply.Session.IdleMinutes = 60
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, run RunFunc) (*Engine, *session.Store) {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	engine := NewEngine(cfg, store, process.NewQueue(), nil, Options{Run: run})
	return engine, store
}

func fixedRun(res process.Result) RunFunc {
	return func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		return res, nil
	}
}

func TestTextModeReply(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.AllowFrom = []string{"+1"}
	cfg.Inbound.Reply.Mode = "text"
	cfg.Inbound.Reply.Text = "pong"

	var spawned atomic.Bool
	engine, _ := newTestEngine(t, cfg, func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		spawned.Store(true)
		return process.Result{}, nil
	})

	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "ping"})
	if len(payloads) != 1 || payloads[0].Text != "pong" {
		t.Fatalf("payloads = %+v", payloads)
	}
	if spawned.Load() {
		t.Error("text mode must not spawn a child")
	}
}

func TestAdmissionRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.AllowFrom = []string{"+1"}

	var spawned atomic.Bool
	engine, _ := newTestEngine(t, cfg, func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		spawned.Store(true)
		return process.Result{}, nil
	})

	payloads, _ := engine.Reply(context.Background(), Message{From: "+2", Body: "hi"})
	if payloads != nil {
		t.Errorf("refused sender produced payloads: %+v", payloads)
	}
	if spawned.Load() {
		t.Error("refused sender spawned a child")
	}
}

func TestDirectiveOnlySetsSessionDefault(t *testing.T) {
	var spawned atomic.Bool
	engine, store := newTestEngine(t, testConfig(), func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		spawned.Store(true)
		return process.Result{}, nil
	})

	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "/think:high"})
	if len(payloads) != 1 || payloads[0].Text != "Thinking level set to high." {
		t.Fatalf("payloads = %+v", payloads)
	}
	sess, ok := store.Peek("+1")
	if !ok || sess.ThinkDefault != directive.ThinkHigh {
		t.Errorf("session = %+v", sess)
	}
	if spawned.Load() {
		t.Error("directive-only message spawned a child")
	}
}

func TestDirectiveUnknownLevelHint(t *testing.T) {
	engine, store := newTestEngine(t, testConfig(), fixedRun(process.Result{}))
	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "/think:banana"})
	if len(payloads) != 1 || !strings.Contains(payloads[0].Text, "banana") {
		t.Fatalf("payloads = %+v", payloads)
	}
	if sess, ok := store.Peek("+1"); ok && sess.ThinkDefault != "" {
		t.Errorf("unknown level must not change state, got %+v", sess)
	}
}

func TestAbortSetsPending(t *testing.T) {
	engine, store := newTestEngine(t, testConfig(), fixedRun(process.Result{}))
	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "stop"})
	if len(payloads) != 1 || payloads[0].Text != "Agent was aborted." {
		t.Fatalf("payloads = %+v", payloads)
	}
	sess, ok := store.Peek("+1")
	if !ok || !sess.AbortPending {
		t.Errorf("abortPending not set: %+v", sess)
	}
}

func TestAbortReminderCarriesOneTurn(t *testing.T) {
	var prompts []string
	engine, store := newTestEngine(t, testConfig(), func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		prompts = append(prompts, argv[len(argv)-1])
		return process.Result{Stdout: "ok"}, nil
	})

	engine.Reply(context.Background(), Message{From: "+1", Body: "stop"})
	engine.Reply(context.Background(), Message{From: "+1", Body: "keep going"})
	engine.Reply(context.Background(), Message{From: "+1", Body: "still here"})

	if len(prompts) != 2 {
		t.Fatalf("expected 2 agent runs, got %d", len(prompts))
	}
	if !strings.HasPrefix(prompts[0], AbortReminder) {
		t.Errorf("turn after abort missing reminder: %q", prompts[0])
	}
	if strings.HasPrefix(prompts[1], AbortReminder) {
		t.Errorf("reminder leaked into second turn: %q", prompts[1])
	}
	if sess, _ := store.Peek("+1"); sess.AbortPending {
		t.Error("abortPending not cleared")
	}
}

func TestTimeoutFallbackWithPartialOutput(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.Reply.TimeoutSeconds = 1
	engine, _ := newTestEngine(t, cfg, fixedRun(process.Result{Stdout: "partial answer", Killed: true}))

	payloads, meta := engine.Reply(context.Background(), Message{From: "+1", Body: "slow question"})
	if len(payloads) != 1 {
		t.Fatalf("payloads = %+v", payloads)
	}
	text := payloads[0].Text
	if !strings.Contains(text, "timed out") || !strings.Contains(text, "1 second") {
		t.Errorf("missing timeout notice: %q", text)
	}
	if !strings.Contains(text, "partial answer") {
		t.Errorf("missing partial output: %q", text)
	}
	if meta == nil || !meta.Killed {
		t.Errorf("meta = %+v", meta)
	}
}

func TestNonZeroExitPayload(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{ExitCode: 3, Stderr: "boom"}))
	payloads, meta := engine.Reply(context.Background(), Message{From: "+1", Body: "hi"})
	if len(payloads) != 1 {
		t.Fatalf("payloads = %+v", payloads)
	}
	if !strings.Contains(payloads[0].Text, "exited with code 3") || !strings.Contains(payloads[0].Text, "boom") {
		t.Errorf("text = %q", payloads[0].Text)
	}
	if meta.ExitCode != 3 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestVerboseForwardsToolResults(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"ls output"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"there are 3 files"}]}}`,
	}, "\n")
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: stream}))

	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "/v:on count files"})
	if len(payloads) != 2 {
		t.Fatalf("payloads = %+v", payloads)
	}
	if payloads[0].Text != "ls output" || payloads[1].Text != "there are 3 files" {
		t.Errorf("payloads = %+v", payloads)
	}
}

func TestNoOutputNotice(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "   "}))
	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "hi"})
	if len(payloads) != 1 || payloads[0].Text != noOutputNotice {
		t.Errorf("payloads = %+v", payloads)
	}
}

func TestSilentTokenSuppressesReply(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "NO_REPLY"}))
	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "hi"})
	if len(payloads) != 1 || payloads[0].Text != noOutputNotice {
		t.Errorf("suppressed reply should fall back to the notice, got %+v", payloads)
	}
}

func TestHeartbeatOKSuppressed(t *testing.T) {
	engine, store := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "ok"}))

	// Establish a session with a user turn first.
	engine.Reply(context.Background(), Message{From: "+1", Body: "hello"})
	before, _ := store.Peek("+1")

	engine.run = fixedRun(process.Result{Stdout: "HEARTBEAT_OK"})
	payloads, _ := engine.Probe(context.Background(), "+1")
	if payloads != nil {
		t.Errorf("heartbeat ok must not dispatch, got %+v", payloads)
	}
	after, _ := store.Peek("+1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("heartbeat moved UpdatedAt")
	}
}

func TestHeartbeatForwardsRealReply(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "ok"}))
	engine.Reply(context.Background(), Message{From: "+1", Body: "hello"})

	engine.run = fixedRun(process.Result{Stdout: "the build broke"})
	payloads, _ := engine.Probe(context.Background(), "+1")
	if len(payloads) != 1 || payloads[0].Text != "the build broke" {
		t.Errorf("payloads = %+v", payloads)
	}
}

func TestHeartbeatLeavesIdleSessionIntact(t *testing.T) {
	engine, store := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "ok"}))

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })
	engine.Reply(context.Background(), Message{From: "+1", Body: "hello"})
	before, ok := store.Peek("+1")
	if !ok {
		t.Fatal("expected session after user turn")
	}

	// Two hours past idleMinutes=60: exactly the state the scheduler
	// selects for probing.
	store.SetNowFunc(func() time.Time { return now.Add(2 * time.Hour) })
	engine.run = fixedRun(process.Result{Stdout: "the build broke"})
	payloads, _ := engine.Probe(context.Background(), "+1")
	if len(payloads) != 1 {
		t.Fatalf("payloads = %+v", payloads)
	}

	after, _ := store.Peek("+1")
	if after.ID != before.ID {
		t.Errorf("heartbeat rotated the session id: %s -> %s", before.ID, after.ID)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("heartbeat moved UpdatedAt: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestHeartbeatSkipsMissingSession(t *testing.T) {
	engine, store := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "news"}))

	payloads, _ := engine.Probe(context.Background(), "+404")
	if payloads != nil {
		t.Errorf("probe without a session must not dispatch, got %+v", payloads)
	}
	if _, ok := store.Peek("+404"); ok {
		t.Error("probe must not create a session")
	}
}

func TestSessionReuseAndExpiry(t *testing.T) {
	var sids []string
	engine, store := newTestEngine(t, testConfig(), func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		for i, arg := range argv {
			if (arg == "--session-id" || arg == "--resume") && i+1 < len(argv) {
				sids = append(sids, argv[i+1])
			}
		}
		return process.Result{Stdout: "ok"}, nil
	})

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	engine.Reply(context.Background(), Message{From: "+1", Body: "first"})
	engine.Reply(context.Background(), Message{From: "+1", Body: "second"})
	now = now.Add(2 * time.Hour)
	engine.Reply(context.Background(), Message{From: "+1", Body: "third"})

	if len(sids) != 3 {
		t.Fatalf("expected 3 session flags, got %v", sids)
	}
	if sids[0] != sids[1] {
		t.Error("messages within the idle window must share a session")
	}
	if sids[2] == sids[0] {
		t.Error("idle expiry must mint a new session")
	}
}

func TestThinkCueAppended(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.Reply.ThinkingDefault = directive.ThinkMinimal

	var prompt string
	engine, _ := newTestEngine(t, cfg, func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error) {
		prompt = argv[len(argv)-1]
		return process.Result{Stdout: "ok"}, nil
	})

	// Config default applies when nothing is inline or pinned.
	engine.Reply(context.Background(), Message{From: "+1", Body: "hello"})
	if !strings.HasSuffix(prompt, "think") {
		t.Errorf("config-level cue missing: %q", prompt)
	}

	// Inline wins over config.
	engine.Reply(context.Background(), Message{From: "+1", Body: "hello /think:high"})
	if !strings.HasSuffix(prompt, "ultrathink") {
		t.Errorf("inline cue missing: %q", prompt)
	}
}

func TestResponsePrefixApplied(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.ResponsePrefix = "[bot]"
	engine, _ := newTestEngine(t, cfg, fixedRun(process.Result{Stdout: "hello"}))
	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "hi"})
	if len(payloads) != 1 || payloads[0].Text != "[bot] hello" {
		t.Errorf("payloads = %+v", payloads)
	}
}

func TestMediaSplitInReply(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{
		Stdout: "here you go https://example.com/cat.png enjoy",
	}))
	payloads, _ := engine.Reply(context.Background(), Message{From: "+1", Body: "send the cat"})
	if len(payloads) != 1 {
		t.Fatalf("payloads = %+v", payloads)
	}
	if len(payloads[0].MediaURLs) != 1 || payloads[0].MediaURLs[0] != "https://example.com/cat.png" {
		t.Errorf("media = %+v", payloads[0].MediaURLs)
	}
	if strings.Contains(payloads[0].Text, "https://") {
		t.Errorf("url left in prose: %q", payloads[0].Text)
	}
}

func TestEchoDetection(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), fixedRun(process.Result{Stdout: "pong"}))
	engine.Reply(context.Background(), Message{From: "+1", Body: "ping"})

	if !engine.IsEcho("pong") {
		t.Error("dispatched text must be detected as echo")
	}
	if engine.IsEcho("something else") {
		t.Error("unrelated body flagged as echo")
	}
}

func TestEchoDetectionStripped(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.ResponsePrefix = "[bot]"
	cfg.Inbound.SameNumberEcho = "stripped"
	engine, _ := newTestEngine(t, cfg, fixedRun(process.Result{Stdout: "pong"}))
	engine.Reply(context.Background(), Message{From: "+1", Body: "ping"})

	if !engine.IsEcho("pong") {
		t.Error("stripped mode must match without the prefix")
	}
	if !engine.IsEcho("[bot] pong") {
		t.Error("stripped mode must match with the prefix")
	}
}

type fakePi struct {
	raw string
	err error
}

func (f *fakePi) Invoke(ctx context.Context, body string, timeout time.Duration) (string, error) {
	return f.raw, f.err
}

func TestPiRPCTimeoutFallsBackLikeKill(t *testing.T) {
	cfg := testConfig()
	cfg.Inbound.Reply.Command = []string{"pi", "-p", "{{Body}}"}
	cfg.Inbound.Reply.Agent.Kind = "pi"

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	pi := &fakePi{raw: "partial answer", err: fmt.Errorf("%w after 5s", process.ErrRPCTimeout)}
	engine := NewEngine(cfg, store, process.NewQueue(), nil, Options{
		Run: fixedRun(process.Result{}),
		Pi:  pi,
	})

	payloads, meta := engine.Reply(context.Background(), Message{From: "+1", Body: "hi"})
	if len(payloads) != 1 {
		t.Fatalf("payloads = %+v", payloads)
	}
	if !strings.Contains(payloads[0].Text, "timed out after 5 seconds") {
		t.Errorf("text = %q", payloads[0].Text)
	}
	if !strings.Contains(payloads[0].Text, "partial answer") {
		t.Errorf("partial output missing: %q", payloads[0].Text)
	}
	if meta == nil || !meta.Killed {
		t.Errorf("meta = %+v", meta)
	}
}
