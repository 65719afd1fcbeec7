// Package agent defines the capability record for each supported
// conversational CLI: how to recognise it in an argv, how to inject
// session and format flags, and how to parse its output stream.
package agent

import (
	"path/filepath"
	"strings"
)

// Kind identifies one supported agent CLI.
type Kind string

// Supported agent kinds.
const (
	KindClaude   Kind = "claude"
	KindOpencode Kind = "opencode"
	KindPi       Kind = "pi"
	KindCodex    Kind = "codex"
	KindGemini   Kind = "gemini"
)

// BuildContext carries everything BuildArgs needs to finalise an argv.
type BuildContext struct {
	// Argv is the templated command line; Argv[BodyIndex] is the prompt.
	Argv      []string
	BodyIndex int

	SessionID    string
	IsNewSession bool
	SystemSent   bool

	// SendSystemOnce suppresses the system/identity prefix after the
	// first delivered turn of a session.
	SendSystemOnce bool
	// SessionArgBeforeBody inserts session flags before the body
	// argument instead of appending them.
	SessionArgBeforeBody bool

	// Format is the configured agent output format ("", "text", "json").
	Format string
	// SystemPrompt is the system prefix for agents with a native flag.
	SystemPrompt string
	// IdentityPrefix is prepended to the body for agents without one.
	IdentityPrefix string
}

// Meta is agent-reported run metadata extracted from the output stream.
type Meta struct {
	Model      string
	Provider   string
	StopReason string
	Usage      map[string]int64
	Extra      map[string]string
}

// ParseResult is the structured form of one agent run's output.
type ParseResult struct {
	// Texts are completed assistant messages, in order, with
	// consecutive duplicates collapsed.
	Texts []string
	// ToolResults are tool traces, forwarded only under verbose mode.
	ToolResults []string
	Meta        *Meta
}

// Spec is the per-kind capability record. All three functions are pure.
type Spec struct {
	Kind Kind

	// Matches reports whether argv invokes this agent, by the basename
	// of argv[0].
	Matches func(argv []string) bool
	// BuildArgs injects kind-specific flags into ctx.Argv and returns
	// the final argv. The input slice is not modified.
	BuildArgs func(ctx BuildContext) []string
	// ParseOutput turns raw stdout into texts, tool traces, and meta.
	ParseOutput func(raw string) ParseResult
}

// registry lists every supported agent, in detection order.
var registry = []Spec{
	claudeSpec,
	opencodeSpec,
	piSpec,
	codexSpec,
	geminiSpec,
}

// For returns the Spec for kind, or false when the kind is unknown.
func For(kind Kind) (Spec, bool) {
	for _, spec := range registry {
		if spec.Kind == kind {
			return spec, true
		}
	}
	return Spec{}, false
}

// Detect finds the Spec whose Matches accepts argv.
func Detect(argv []string) (Spec, bool) {
	for _, spec := range registry {
		if spec.Matches(argv) {
			return spec, true
		}
	}
	return Spec{}, false
}

// Kinds returns the names of all supported agents.
func Kinds() []Kind {
	kinds := make([]Kind, len(registry))
	for i, spec := range registry {
		kinds[i] = spec.Kind
	}
	return kinds
}

// matchBase builds a Matches function accepting any of the given argv[0]
// basenames.
func matchBase(names ...string) func(argv []string) bool {
	return func(argv []string) bool {
		if len(argv) == 0 {
			return false
		}
		base := filepath.Base(argv[0])
		base = strings.TrimSuffix(base, filepath.Ext(base))
		for _, name := range names {
			if base == name {
				return true
			}
		}
		return false
	}
}

// insertSessionArgs places flags before the body argument when
// beforeBody is set, otherwise appends them.
func insertSessionArgs(argv []string, bodyIndex int, flags []string, beforeBody bool) []string {
	out := make([]string, 0, len(argv)+len(flags))
	if !beforeBody || bodyIndex <= 0 || bodyIndex >= len(argv) {
		out = append(out, argv...)
		return append(out, flags...)
	}
	out = append(out, argv[:bodyIndex]...)
	out = append(out, flags...)
	return append(out, argv[bodyIndex:]...)
}

// dedupAppend appends text unless it equals the previous element.
func dedupAppend(texts []string, text string) []string {
	if text == "" {
		return texts
	}
	if len(texts) > 0 && texts[len(texts)-1] == text {
		return texts
	}
	return append(texts, text)
}
