// Package reply is the auto-reply engine: it admits inbound messages,
// interprets inline directives, resolves the conversation session, invokes
// the configured agent CLI through the global command queue, and shapes the
// agent's output into outbound payloads.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/warelaydev/warelay/internal/agent"
	"github.com/warelaydev/warelay/internal/chunk"
	"github.com/warelaydev/warelay/internal/config"
	"github.com/warelaydev/warelay/internal/directive"
	"github.com/warelaydev/warelay/internal/media"
	"github.com/warelaydev/warelay/internal/metrics"
	"github.com/warelaydev/warelay/internal/process"
	"github.com/warelaydev/warelay/internal/session"
	"github.com/warelaydev/warelay/internal/template"
)

// AbortReminder is prepended to the first prompt after an aborted turn.
const AbortReminder = "Note: the user aborted your previous run before it finished."

// HeartbeatBody is the synthetic prompt used for heartbeat probes.
const HeartbeatBody = "HEARTBEAT /think:high"

// noOutputNotice is sent when an agent run produced nothing usable.
const noOutputNotice = "(command produced no output)"

// echoHistory bounds how many recent outbound texts are kept for the
// same-number echo check.
const echoHistory = 16

// RunFunc spawns one agent child and returns its captured output.
type RunFunc func(ctx context.Context, argv []string, opts process.RunOptions) (process.Result, error)

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) (string, error)
}

// PiTransport is the reusable RPC channel used for the pi agent instead of
// one-shot spawns.
type PiTransport interface {
	Invoke(ctx context.Context, body string, timeout time.Duration) (string, error)
}

// Typing paces a provider typing indicator for the duration of a run. Begin
// returns a stop func; implementations must tolerate concurrent chats.
type Typing interface {
	Begin(chat string) (stop func())
}

// Options carries the engine's optional collaborators.
type Options struct {
	// Run defaults to process.Run.
	Run         RunFunc
	Transcriber Transcriber
	// Pi routes pi-kind runs over a reusable RPC child when set.
	Pi     PiTransport
	Typing Typing
}

// Engine orchestrates one reply per inbound message. Safe for concurrent
// use; agent runs are serialised through the command queue.
type Engine struct {
	cfg    *config.Config
	store  *session.Store
	queue  *process.Queue
	logger *slog.Logger

	run         RunFunc
	transcriber Transcriber
	pi          PiTransport
	typing      Typing

	echoMu   sync.Mutex
	outbound []string
}

// NewEngine builds an engine over the given store and queue.
func NewEngine(cfg *config.Config, store *session.Store, queue *process.Queue, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	run := opts.Run
	if run == nil {
		run = process.Run
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		queue:       queue,
		logger:      logger.With("component", "reply-engine"),
		run:         run,
		transcriber: opts.Transcriber,
		pi:          opts.Pi,
		typing:      opts.Typing,
	}
}

// Reply handles one inbound message and returns the outbound payloads plus
// run metadata (nil for non-command turns). A nil payload slice means
// nothing should be dispatched.
func (e *Engine) Reply(ctx context.Context, msg Message) ([]Payload, *Meta) {
	return e.reply(ctx, msg, false)
}

// Probe runs a heartbeat turn against the session stored under key. It never
// advances the session's UpdatedAt and suppresses dispatch when the agent
// answers HEARTBEAT_OK.
func (e *Engine) Probe(ctx context.Context, key string) ([]Payload, *Meta) {
	msg := Message{
		From:       key,
		Body:       HeartbeatBody,
		ReceivedAt: time.Now(),
	}
	return e.reply(ctx, msg, true)
}

func (e *Engine) reply(ctx context.Context, msg Message, heartbeat bool) ([]Payload, *Meta) {
	in := &e.cfg.Inbound
	replyCfg := &in.Reply

	if !heartbeat {
		if !in.Allows(msg.From) {
			e.logger.Debug("sender not in allow list", "from", msg.From)
			return nil, nil
		}
		metrics.InboundMessages.Inc()
	}

	body, mediaPath := e.maybeTranscribe(ctx, msg)

	d := directive.Parse(body, replyCfg.Session.ResetTriggers)
	key := session.Key(replyCfg.Session.Scope, msg.From)

	if d.AbortRequested {
		e.store.SetAbortPending(key, true)
		return e.finish(msg, []Payload{{Text: "Agent was aborted."}}), nil
	}

	if d.DirectiveOnly {
		return e.finish(msg, e.acknowledgeDirectives(key, d)), nil
	}

	// Heartbeats read the session as-is: Get would treat an idle session
	// as expired and rotate it, and probes fire precisely on idle sessions.
	var (
		sess        session.Session
		isNew       bool
		isFirstTurn bool
	)
	if heartbeat {
		var ok bool
		if sess, ok = e.store.Peek(key); !ok {
			e.logger.Debug("no session to probe", "key", key)
			return nil, nil
		}
	} else {
		sess, isNew, isFirstTurn = e.store.Get(key, d.ResetRequested, replyCfg.Session.IdleWindow())
	}

	prompt, think, verbose := e.composeBody(msg, d, key, sess, isFirstTurn, heartbeat)

	if replyCfg.Mode == "text" {
		return e.finish(msg, e.textReply(msg, sess, isNew, prompt, key, isFirstTurn, heartbeat)), nil
	}

	payloads, meta := e.commandReply(ctx, msg, commandTurn{
		key:         key,
		sess:        sess,
		isNew:       isNew,
		isFirstTurn: isFirstTurn,
		heartbeat:   heartbeat,
		prompt:      prompt,
		think:       think,
		verbose:     verbose,
		mediaPath:   mediaPath,
	})
	return e.finish(msg, payloads), meta
}

// maybeTranscribe replaces an audio message's body with its transcript. On
// any failure the original body survives.
func (e *Engine) maybeTranscribe(ctx context.Context, msg Message) (string, string) {
	var mediaPath string
	if len(msg.MediaPaths) > 0 {
		mediaPath = msg.MediaPaths[0]
	}
	if e.transcriber == nil {
		return msg.Body, mediaPath
	}
	for _, path := range msg.MediaPaths {
		if !media.IsAudioPath(path) {
			continue
		}
		transcript, err := e.transcriber.Transcribe(ctx, path)
		if err != nil {
			e.logger.Warn("transcription failed, keeping original body", "path", path, "error", err)
			return msg.Body, path
		}
		if strings.TrimSpace(transcript) != "" {
			return strings.TrimSpace(transcript), path
		}
	}
	return msg.Body, mediaPath
}

// acknowledgeDirectives persists directive-only settings and returns the
// acknowledgement payloads. Unknown levels change nothing.
func (e *Engine) acknowledgeDirectives(key string, d directive.Result) []Payload {
	if d.Unknown != "" {
		hint := fmt.Sprintf("Unknown level %q. Use /think:off|minimal|low|medium|high or /verbose:on|off.", d.Unknown)
		return []Payload{{Text: hint}}
	}

	var payloads []Payload
	if d.Think != nil {
		e.store.SetThinkDefault(key, *d.Think)
		if *d.Think == directive.ThinkOff {
			payloads = append(payloads, Payload{Text: "Thinking disabled."})
		} else {
			payloads = append(payloads, Payload{Text: fmt.Sprintf("Thinking level set to %s.", *d.Think)})
		}
	}
	if d.Verbose != nil {
		e.store.SetVerboseDefault(key, *d.Verbose)
		if *d.Verbose == directive.VerboseOn {
			payloads = append(payloads, Payload{Text: "Verbose logging enabled."})
		} else {
			payloads = append(payloads, Payload{Text: "Verbose logging disabled."})
		}
	}
	return payloads
}

// composeBody builds the prompt for this turn: abort reminder, body prefix,
// session intro, inbound prefixes, and the trailing think cue.
func (e *Engine) composeBody(msg Message, d directive.Result, key string, sess session.Session, isFirstTurn, heartbeat bool) (string, directive.ThinkLevel, directive.VerboseLevel) {
	in := &e.cfg.Inbound
	replyCfg := &in.Reply

	body := d.StrippedBody

	if sess.AbortPending && !heartbeat {
		body = AbortReminder + "\n\n" + body
		e.store.SetAbortPending(key, false)
	}
	if replyCfg.BodyPrefix != "" {
		body = replyCfg.BodyPrefix + "\n\n" + body
	}
	if isFirstTurn && replyCfg.Session.SessionIntro != "" && !heartbeat {
		body = replyCfg.Session.SessionIntro + "\n\n" + body
	}
	if in.MessagePrefix != "" && !heartbeat {
		body = in.MessagePrefix + " " + body
	}
	if in.TimestampPrefix.Enabled && !heartbeat {
		if loc, err := in.TimestampPrefix.Location(); err == nil {
			stamp := msg.ReceivedAt
			if stamp.IsZero() {
				stamp = time.Now()
			}
			body = "[" + stamp.In(loc).Format("2006-01-02 15:04 MST") + "] " + body
		}
	}

	think := directive.ResolveThink(d.Think, sess.ThinkDefault, replyCfg.ThinkingDefault)
	verbose := directive.ResolveVerbose(d.Verbose, sess.VerboseDefault, replyCfg.VerboseDefault)

	// pi takes the thinking level as a flag; every other agent gets the
	// trailing cue word.
	if think != directive.ThinkOff && replyCfg.Agent.Kind != string(agent.KindPi) {
		if cue := directive.CueWord(think); cue != "" {
			body = body + "\n\n" + cue
		}
	}
	return body, think, verbose
}

// textReply renders the canned text mode response.
func (e *Engine) textReply(msg Message, sess session.Session, isNew bool, prompt, key string, isFirstTurn, heartbeat bool) []Payload {
	tctx := template.Context{
		Body:         prompt,
		BodyStripped: prompt,
		From:         msg.From,
		To:           msg.To,
		MessageSid:   msg.MessageID,
		SessionID:    sess.ID,
		IsNewSession: isNew,
	}
	text := template.Apply(e.cfg.Inbound.Reply.Text, tctx)
	if e.cfg.Inbound.ResponsePrefix != "" {
		text = e.cfg.Inbound.ResponsePrefix + " " + text
	}

	if !heartbeat {
		e.store.Touch(key)
		if isFirstTurn {
			e.store.SetSystemSent(key)
		}
	}

	var payloads []Payload
	for _, piece := range chunk.Split(text, chunk.WebLimit) {
		payloads = append(payloads, Payload{Text: piece})
	}
	if len(payloads) > 0 && e.cfg.Inbound.Reply.MediaURL != "" {
		payloads[0].MediaURL = e.cfg.Inbound.Reply.MediaURL
	}
	return payloads
}

// commandTurn bundles the state threaded through a command-mode run.
type commandTurn struct {
	key         string
	sess        session.Session
	isNew       bool
	isFirstTurn bool
	heartbeat   bool
	prompt      string
	think       directive.ThinkLevel
	verbose     directive.VerboseLevel
	mediaPath   string
}

// commandReply templates the agent argv, serialises the run through the
// queue, and shapes the output into payloads.
func (e *Engine) commandReply(ctx context.Context, msg Message, turn commandTurn) ([]Payload, *Meta) {
	replyCfg := &e.cfg.Inbound.Reply

	command := replyCfg.Command
	if turn.heartbeat && len(replyCfg.HeartbeatCommand) > 0 {
		command = replyCfg.HeartbeatCommand
	}

	tctx := template.Context{
		Body:         turn.prompt,
		BodyStripped: turn.prompt,
		From:         msg.From,
		To:           msg.To,
		MessageSid:   msg.MessageID,
		SessionID:    turn.sess.ID,
		IsNewSession: turn.isNew,
		MediaPath:    turn.mediaPath,
	}

	argv, bodyIndex := buildCommandArgv(command, turn.prompt, tctx)

	systemPrompt := ""
	if replyCfg.Template != "" {
		systemPrompt = template.Apply(replyCfg.Template, template.Context{
			From:         msg.From,
			To:           msg.To,
			SessionID:    turn.sess.ID,
			IsNewSession: turn.isNew,
		})
	}

	spec, known := agent.For(agent.Kind(replyCfg.Agent.Kind))
	if !known {
		spec, known = agent.Detect(argv)
	}

	if known {
		argv = spec.BuildArgs(agent.BuildContext{
			Argv:                 argv,
			BodyIndex:            bodyIndex,
			SessionID:            turn.sess.ID,
			IsNewSession:         turn.isNew,
			SystemSent:           turn.sess.SystemSent,
			SendSystemOnce:       replyCfg.Session.SendSystemOnce,
			SessionArgBeforeBody: replyCfg.Session.ArgBeforeBody(),
			Format:               replyCfg.Agent.Format,
			SystemPrompt:         systemPrompt,
			IdentityPrefix:       replyCfg.Agent.IdentityPrefix,
		})
		if spec.Kind == agent.KindPi && turn.think != directive.ThinkOff {
			argv = append(argv, "--thinking", string(turn.think))
		}
	} else if systemPrompt != "" && !(replyCfg.Session.SendSystemOnce && turn.sess.SystemSent) {
		// No native system-prompt flag; carry the prefix in the body.
		if bodyIndex < len(argv) {
			argv[bodyIndex] = systemPrompt + "\n\n" + argv[bodyIndex]
		}
	}

	timeout := time.Duration(replyCfg.TimeoutSeconds) * time.Second

	meta := &Meta{}
	started := time.Now()
	metrics.QueueDepth.Set(float64(e.queue.Depth() + 1))

	res, runErr := process.Enqueue(e.queue, ctx, func(runCtx context.Context) (process.Result, error) {
		var stopTyping func()
		if e.typing != nil && !turn.heartbeat {
			stopTyping = e.typing.Begin(msg.From)
		}
		if stopTyping != nil {
			defer stopTyping()
		}

		if e.pi != nil && known && spec.Kind == agent.KindPi {
			return e.runOverRPC(runCtx, turn.prompt, timeout)
		}
		return e.run(runCtx, argv, process.RunOptions{Cwd: replyCfg.Cwd, Timeout: timeout})
	}, &process.EnqueueOptions{OnWait: func(waitMs, ahead int) {
		meta.QueuedMs = int64(waitMs)
		meta.QueuedAhead = ahead
		metrics.QueueWaits.Inc()
		e.logger.Info("run waited in queue", "wait_ms", waitMs, "ahead", ahead)
	}})

	meta.DurationMs = time.Since(started).Milliseconds()
	metrics.QueueDepth.Set(float64(e.queue.Depth()))
	metrics.AgentRunSeconds.Observe(time.Since(started).Seconds())

	if runErr != nil {
		metrics.AgentRuns.WithLabelValues(metrics.OutcomeError).Inc()
		e.logger.Error("agent run failed", "error", runErr)
		return []Payload{{Text: fmt.Sprintf("Agent command failed: %v", runErr)}}, meta
	}

	meta.ExitCode = res.ExitCode
	meta.Signal = res.Signal
	meta.Killed = res.Killed

	if res.Killed {
		metrics.AgentRuns.WithLabelValues(metrics.OutcomeTimeout).Inc()
		text := fmt.Sprintf("Agent timed out after %d seconds.", replyCfg.TimeoutSeconds)
		if partial := truncate(strings.TrimSpace(res.Stdout), 800); partial != "" {
			text += "\n\nPartial output:\n" + partial
		}
		e.touchAfterRun(turn, false)
		return []Payload{{Text: text}}, meta
	}

	if res.ExitCode != 0 {
		metrics.AgentRuns.WithLabelValues(metrics.OutcomeExit).Inc()
		var text string
		if res.Signal != "" {
			text = fmt.Sprintf("Agent was killed by signal %s.", res.Signal)
		} else {
			text = fmt.Sprintf("Agent exited with code %d.", res.ExitCode)
		}
		excerpt := strings.TrimSpace(res.Stderr)
		if excerpt == "" {
			excerpt = strings.TrimSpace(res.Stdout)
		}
		if excerpt = truncate(excerpt, 500); excerpt != "" {
			text += "\n\n" + excerpt
		}
		e.touchAfterRun(turn, false)
		return []Payload{{Text: text}}, meta
	}

	metrics.AgentRuns.WithLabelValues(metrics.OutcomeOK).Inc()

	parsed := agent.ParseResult{}
	if known {
		parsed = spec.ParseOutput(res.Stdout)
	} else if raw := strings.TrimSpace(res.Stdout); raw != "" {
		parsed.Texts = []string{raw}
	}
	if parsed.Meta != nil {
		meta.Agent = parsed.Meta
	}

	payloads := e.shapeOutput(parsed, res.Stdout, turn.verbose, turn.heartbeat)
	e.touchAfterRun(turn, true)
	return payloads, meta
}

// runOverRPC sends the prompt over the reusable pi child and wraps the raw
// event stream as a process result for the normal parser.
func (e *Engine) runOverRPC(ctx context.Context, prompt string, timeout time.Duration) (process.Result, error) {
	raw, err := e.pi.Invoke(ctx, prompt, timeout)
	if err != nil {
		if errors.Is(err, process.ErrRPCTimeout) {
			return process.Result{Stdout: raw, Killed: true}, nil
		}
		return process.Result{}, err
	}
	return process.Result{Stdout: raw}, nil
}

// shapeOutput turns a parse result into outbound payloads: media split per
// text, tool traces under verbose, raw stdout fallback, and control-token
// handling.
func (e *Engine) shapeOutput(parsed agent.ParseResult, rawStdout string, verbose directive.VerboseLevel, heartbeat bool) []Payload {
	replyCfg := &e.cfg.Inbound.Reply

	texts := parsed.Texts
	if len(texts) == 0 {
		if raw := strings.TrimSpace(rawStdout); raw != "" {
			texts = []string{raw}
		}
	}

	if heartbeat {
		joined := strings.TrimSpace(strings.Join(texts, "\n"))
		if HasHeartbeatToken(joined) {
			metrics.HeartbeatOKs.Inc()
			e.logger.Info("heartbeat answered ok")
			return nil
		}
	}

	var payloads []Payload
	if verbose == directive.VerboseOn {
		for _, trace := range parsed.ToolResults {
			payloads = append(payloads, Payload{Text: trace})
		}
	}

	for _, text := range texts {
		if IsSilent(text) {
			e.logger.Info("reply suppressed by silent token")
			continue
		}
		text = StripHeartbeatToken(text)

		split := media.Split(text)
		urls := media.FilterBySize(split.URLs, replyCfg.MediaMaxMb, e.logger)
		if split.Text == "" && len(urls) == 0 {
			continue
		}
		payloads = append(payloads, Payload{Text: split.Text, MediaURLs: urls})
	}

	if len(payloads) == 0 {
		if heartbeat {
			return nil
		}
		return []Payload{{Text: noOutputNotice}}
	}

	if replyCfg.MediaURL != "" {
		payloads[0].MediaURL = replyCfg.MediaURL
	}
	if prefix := e.cfg.Inbound.ResponsePrefix; prefix != "" {
		for i := range payloads {
			if payloads[i].Text != "" {
				payloads[i].Text = prefix + " " + payloads[i].Text
			}
		}
	}
	return payloads
}

// touchAfterRun advances session freshness on the user path. SystemSent is
// recorded only after a successful first turn.
func (e *Engine) touchAfterRun(turn commandTurn, success bool) {
	if turn.heartbeat {
		return
	}
	e.store.Touch(turn.key)
	if success && turn.isFirstTurn {
		e.store.SetSystemSent(turn.key)
	}
}

// finish records dispatched texts for the echo check and returns payloads.
func (e *Engine) finish(msg Message, payloads []Payload) []Payload {
	if len(payloads) == 0 {
		return nil
	}
	e.echoMu.Lock()
	for _, p := range payloads {
		if p.Text == "" {
			continue
		}
		e.outbound = append(e.outbound, p.Text)
	}
	if len(e.outbound) > echoHistory {
		e.outbound = e.outbound[len(e.outbound)-echoHistory:]
	}
	e.echoMu.Unlock()
	return payloads
}

// IsEcho reports whether body is an echo of a recently dispatched reply.
// Used when the relay and the user share a phone number, so our own outbound
// messages come back as inbound events. The comparison form is configured by
// inbound.sameNumberEcho: raw compares the body as delivered, stripped
// compares after removing the response prefix from the inbound body, and
// prefixed compares against the outbound text with its prefix.
func (e *Engine) IsEcho(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	prefix := e.cfg.Inbound.ResponsePrefix

	e.echoMu.Lock()
	defer e.echoMu.Unlock()
	for _, sent := range e.outbound {
		switch e.cfg.Inbound.SameNumberEcho {
		case "stripped":
			candidate := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			if candidate == strings.TrimSpace(strings.TrimPrefix(sent, prefix)) {
				return true
			}
		case "prefixed":
			if prefix != "" && trimmed == sent && strings.HasPrefix(sent, prefix) {
				return true
			}
		default: // raw
			if trimmed == sent {
				return true
			}
		}
	}
	return false
}

// buildCommandArgv templates the configured command and locates the body
// argument. A command without a body token gets the prompt appended.
func buildCommandArgv(command []string, prompt string, tctx template.Context) ([]string, int) {
	bodyIndex := -1
	for i, arg := range command {
		if strings.Contains(arg, "{{Body}}") || strings.Contains(arg, "{{BodyStripped}}") {
			bodyIndex = i
			break
		}
	}
	argv := template.ApplyArgs(command, tctx)
	if bodyIndex < 0 {
		argv = append(argv, prompt)
		bodyIndex = len(argv) - 1
	}
	return argv, bodyIndex
}

// truncate clips s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
