// Package template performs token substitution for prompt and command
// templates. Templates are trusted configuration input, so no escaping is
// applied.
package template

import "strings"

// Context carries the values available to a template. Zero values substitute
// as empty strings; unknown tokens in the template are left verbatim.
type Context struct {
	Body         string
	BodyStripped string
	From         string
	To           string
	MessageSid   string
	SessionID    string
	IsNewSession bool
	MediaPath    string
}

// Apply substitutes the recognised {{Token}} placeholders from ctx into
// template. Unrecognised placeholders pass through unchanged.
func Apply(template string, ctx Context) string {
	if template == "" {
		return ""
	}
	isNew := "false"
	if ctx.IsNewSession {
		isNew = "true"
	}
	r := strings.NewReplacer(
		"{{Body}}", ctx.Body,
		"{{BodyStripped}}", ctx.BodyStripped,
		"{{From}}", ctx.From,
		"{{To}}", ctx.To,
		"{{MessageSid}}", ctx.MessageSid,
		"{{SessionId}}", ctx.SessionID,
		"{{IsNewSession}}", isNew,
		"{{MediaPath}}", ctx.MediaPath,
	)
	return r.Replace(template)
}

// ApplyArgs substitutes tokens into every element of argv, returning a new
// slice. The input slice is not modified.
func ApplyArgs(argv []string, ctx Context) []string {
	if len(argv) == 0 {
		return nil
	}
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = Apply(arg, ctx)
	}
	return out
}
