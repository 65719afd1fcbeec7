package agent

import (
	"encoding/json"
	"strings"
)

// codexSpec drives the Codex CLI. Session continuity uses the same
// --session flag for new and resumed turns.
var codexSpec = Spec{
	Kind:        KindCodex,
	Matches:     matchBase("codex"),
	BuildArgs:   buildCodexArgs,
	ParseOutput: parseCodexOutput,
}

func buildCodexArgs(ctx BuildContext) []string {
	var flags []string
	if ctx.SessionID != "" {
		flags = append(flags, "--session", ctx.SessionID)
	}
	return insertSessionArgs(ctx.Argv, ctx.BodyIndex, flags, ctx.SessionArgBeforeBody)
}

// codexEvent is one NDJSON line from codex --json: a msg envelope whose type
// distinguishes agent messages from tool activity.
type codexEvent struct {
	Msg struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Output  string `json:"output"`
	} `json:"msg"`
}

func parseCodexOutput(raw string) ParseResult {
	var res ParseResult
	parsedAny := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event codexEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event.Msg.Type == "" {
			continue
		}
		parsedAny = true

		switch event.Msg.Type {
		case "agent_message":
			res.Texts = dedupAppend(res.Texts, strings.TrimSpace(event.Msg.Message))
		case "exec_command_end", "tool_result":
			if out := strings.TrimSpace(event.Msg.Output); out != "" {
				res.ToolResults = append(res.ToolResults, out)
			}
		}
	}

	if !parsedAny {
		return plainTextResult(raw)
	}
	return res
}
