package agent

import (
	"encoding/json"
	"strings"
)

// piSpec drives the pi CLI (also shipped under the name tau). pi is always
// run non-interactively with -p; its identity prefix rides in the body
// because the CLI has no system-prompt flag.
var piSpec = Spec{
	Kind:        KindPi,
	Matches:     matchBase("pi", "tau"),
	BuildArgs:   buildPiArgs,
	ParseOutput: parsePiOutput,
}

func buildPiArgs(ctx BuildContext) []string {
	var flags []string
	if ctx.SessionID != "" {
		flags = append(flags, "--session", ctx.SessionID)
	}
	if !hasFlag(ctx.Argv, "-p") {
		flags = append(flags, "-p")
	}
	if ctx.Format == "json" && !hasFlag(ctx.Argv, "--mode") {
		flags = append(flags, "--mode", "json")
	}

	argv := insertSessionArgs(ctx.Argv, ctx.BodyIndex, flags, ctx.SessionArgBeforeBody)

	if ctx.IdentityPrefix != "" && !(ctx.SendSystemOnce && ctx.SystemSent) {
		bodyIdx := ctx.BodyIndex
		if ctx.SessionArgBeforeBody {
			bodyIdx += len(flags)
		}
		if bodyIdx > 0 && bodyIdx < len(argv) {
			argv[bodyIdx] = ctx.IdentityPrefix + "\n\n" + argv[bodyIdx]
		}
	}
	return argv
}

func hasFlag(argv []string, flag string) bool {
	for _, arg := range argv {
		if arg == flag {
			return true
		}
	}
	return false
}

// piEvent is one NDJSON line from pi --mode json (and from the rpc
// transport, which relays the same stream).
type piEvent struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Text    string `json:"text"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string          `json:"model"`
	Provider   string          `json:"provider"`
	StopReason string          `json:"stopReason"`
	Usage      json.RawMessage `json:"usage"`
}

func parsePiOutput(raw string) ParseResult {
	var res ParseResult
	parsedAny := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event piEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		parsedAny = true

		text := event.Text
		if text == "" {
			var parts []string
			for _, block := range event.Content {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, block.Text)
				}
			}
			text = strings.Join(parts, "\n")
		}
		text = strings.TrimSpace(text)

		switch {
		case strings.HasPrefix(event.Role, "tool") || strings.HasPrefix(event.Type, "tool"):
			if text != "" {
				res.ToolResults = append(res.ToolResults, text)
			}
		case event.Role == "assistant" && event.Type != "partial":
			res.Texts = dedupAppend(res.Texts, text)
		case event.Type == "result":
			meta := ensureMeta(&res)
			meta.Model = event.Model
			meta.Provider = event.Provider
			meta.StopReason = event.StopReason
			if usage := decodeUsage(event.Usage); len(usage) > 0 {
				meta.Usage = usage
			}
			if len(res.Texts) == 0 && text != "" {
				res.Texts = append(res.Texts, text)
			}
		}
	}

	if !parsedAny {
		return plainTextResult(raw)
	}
	return res
}
