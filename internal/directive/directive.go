// Package directive extracts inline control tokens from inbound message
// bodies: thinking level, verbosity, session reset triggers, and abort words.
package directive

import (
	"regexp"
	"strings"
)

// ThinkLevel is a thinking-effort level pinned per message, session, or
// config. The empty string means "unset".
type ThinkLevel string

// Recognised thinking levels, lowest to highest.
const (
	ThinkOff     ThinkLevel = "off"
	ThinkMinimal ThinkLevel = "minimal"
	ThinkLow     ThinkLevel = "low"
	ThinkMedium  ThinkLevel = "medium"
	ThinkHigh    ThinkLevel = "high"
)

// VerboseLevel toggles forwarding of agent tool traces.
type VerboseLevel string

// Recognised verbosity levels.
const (
	VerboseOff VerboseLevel = "off"
	VerboseOn  VerboseLevel = "on"
)

// AbortWords short-circuit a turn when they make up the entire body.
var AbortWords = []string{"stop", "esc", "abort", "wait", "exit"}

var (
	thinkRe   = regexp.MustCompile(`(?i)/(?:t|think|thinking)(?::|\s+)(off|minimal|low|medium|high|max|highest)\b`)
	verboseRe = regexp.MustCompile(`(?i)/(?:v|verbose)(?::|\s+)(on|full|off)\b`)
	// attemptRe catches a directive-shaped token whose level is not
	// recognised, so the caller can answer with a usage hint.
	attemptRe = regexp.MustCompile(`(?i)^/(t|think|thinking|v|verbose)(?::|\s+)(\S+)$`)

	spacesRe = regexp.MustCompile(`\s+`)
)

// Result is the parsed directive set for one message body.
type Result struct {
	// Think and Verbose are nil when the body carried no such directive.
	Think   *ThinkLevel
	Verbose *VerboseLevel

	// Unknown holds the raw token of a directive-shaped body whose level
	// was not recognised ("/think:banana"). The body is treated as
	// directive-only so the caller can reply with a hint.
	Unknown string

	ResetRequested bool
	AbortRequested bool
	DirectiveOnly  bool
	StrippedBody   string
}

// Parse extracts directives from body. resetTriggers match either the whole
// body or a "<trigger> <anything>" prefix, case-insensitively.
func Parse(body string, resetTriggers []string) Result {
	var res Result
	trimmed := strings.TrimSpace(body)
	res.StrippedBody = trimmed
	if trimmed == "" {
		return res
	}

	lower := strings.ToLower(trimmed)
	for _, word := range AbortWords {
		if lower == word {
			res.AbortRequested = true
			return res
		}
	}

	for _, trigger := range resetTriggers {
		tl := strings.ToLower(strings.TrimSpace(trigger))
		if tl == "" {
			continue
		}
		if lower == tl || strings.HasPrefix(lower, tl+" ") {
			res.ResetRequested = true
			break
		}
	}

	if matches := thinkRe.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		level := normalizeThink(matches[len(matches)-1][1])
		res.Think = &level
	}
	if matches := verboseRe.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		level := normalizeVerbose(matches[len(matches)-1][1])
		res.Verbose = &level
	}

	stripped := thinkRe.ReplaceAllString(trimmed, " ")
	stripped = verboseRe.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(spacesRe.ReplaceAllString(stripped, " "))

	if stripped == "" && (res.Think != nil || res.Verbose != nil) {
		res.DirectiveOnly = true
		res.StrippedBody = ""
		return res
	}

	// A lone directive token with an unrecognised level is still a
	// directive-only message; answer it with a hint instead of running
	// the agent on it.
	if res.Think == nil && res.Verbose == nil {
		if m := attemptRe.FindStringSubmatch(trimmed); m != nil {
			res.Unknown = m[2]
			res.DirectiveOnly = true
			res.StrippedBody = ""
			return res
		}
	}

	// Stripping must never produce an empty prompt.
	if stripped == "" {
		res.DirectiveOnly = true
		res.StrippedBody = ""
		return res
	}
	res.StrippedBody = stripped
	return res
}

func normalizeThink(raw string) ThinkLevel {
	switch strings.ToLower(raw) {
	case "max", "highest":
		return ThinkHigh
	default:
		return ThinkLevel(strings.ToLower(raw))
	}
}

func normalizeVerbose(raw string) VerboseLevel {
	switch strings.ToLower(raw) {
	case "full", "on":
		return VerboseOn
	default:
		return VerboseOff
	}
}

// ResolveThink applies the precedence inline > session > config > off.
func ResolveThink(inline *ThinkLevel, session, config ThinkLevel) ThinkLevel {
	if inline != nil {
		return *inline
	}
	if session != "" {
		return session
	}
	if config != "" {
		return config
	}
	return ThinkOff
}

// ResolveVerbose applies the precedence inline > session > config > off.
func ResolveVerbose(inline *VerboseLevel, session, config VerboseLevel) VerboseLevel {
	if inline != nil {
		return *inline
	}
	if session != "" {
		return session
	}
	if config != "" {
		return config
	}
	return VerboseOff
}

// CueWord maps a thinking level to the trailing cue appended to the prompt
// for agents without a native thinking flag. Off maps to the empty string.
func CueWord(level ThinkLevel) string {
	switch level {
	case ThinkMinimal:
		return "think"
	case ThinkLow:
		return "think hard"
	case ThinkMedium:
		return "think harder"
	case ThinkHigh:
		return "ultrathink"
	default:
		return ""
	}
}

// ValidThink reports whether level names a recognised thinking level.
func ValidThink(level ThinkLevel) bool {
	switch level {
	case ThinkOff, ThinkMinimal, ThinkLow, ThinkMedium, ThinkHigh:
		return true
	}
	return false
}
