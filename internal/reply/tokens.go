package reply

import (
	"regexp"
	"strings"
)

// HeartbeatToken is the all-quiet answer to a heartbeat probe.
const HeartbeatToken = "HEARTBEAT_OK"

// SilentToken marks a reply that should not be dispatched at all.
const SilentToken = "NO_REPLY"

// tokenMatcher recognises and strips a control token at the edges of a
// reply. A token counts only at the start (after optional whitespace) or at
// the end on a word boundary; an occurrence mid-sentence is ordinary text.
type tokenMatcher struct {
	prefix      *regexp.Regexp
	suffix      *regexp.Regexp
	stripPrefix *regexp.Regexp
	stripSuffix *regexp.Regexp
}

func newTokenMatcher(token string) tokenMatcher {
	escaped := regexp.QuoteMeta(token)
	return tokenMatcher{
		prefix:      regexp.MustCompile(`^\s*` + escaped + `(?:$|\W)`),
		suffix:      regexp.MustCompile(`\b` + escaped + `\b\W*$`),
		stripPrefix: regexp.MustCompile(`^\s*` + escaped + `\b\s*`),
		stripSuffix: regexp.MustCompile(`\s*\b` + escaped + `\b\W*$`),
	}
}

var (
	heartbeatMatcher = newTokenMatcher(HeartbeatToken)
	silentMatcher    = newTokenMatcher(SilentToken)
)

func (m tokenMatcher) matches(text string) bool {
	if text == "" {
		return false
	}
	return m.prefix.MatchString(text) || m.suffix.MatchString(text)
}

func (m tokenMatcher) strip(text string) string {
	if text == "" {
		return text
	}
	text = m.stripPrefix.ReplaceAllString(text, "")
	text = m.stripSuffix.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// HasHeartbeatToken reports whether text leads or ends with HEARTBEAT_OK.
func HasHeartbeatToken(text string) bool {
	return heartbeatMatcher.matches(text)
}

// IsSilent reports whether text leads or ends with NO_REPLY.
func IsSilent(text string) bool {
	return silentMatcher.matches(text)
}

// StripHeartbeatToken removes HEARTBEAT_OK from the edges of text.
func StripHeartbeatToken(text string) string {
	return heartbeatMatcher.strip(text)
}

// StripSilentToken removes NO_REPLY from the edges of text.
func StripSilentToken(text string) string {
	return silentMatcher.strip(text)
}
