package agent

import (
	"encoding/json"
	"strings"
)

// claudeSpec drives the Claude Code CLI. New sessions pin an id with
// --session-id; later turns resume it with --resume.
var claudeSpec = Spec{
	Kind:        KindClaude,
	Matches:     matchBase("claude"),
	BuildArgs:   buildClaudeArgs,
	ParseOutput: parseClaudeOutput,
}

func buildClaudeArgs(ctx BuildContext) []string {
	var flags []string
	if ctx.SessionID != "" {
		if ctx.IsNewSession {
			flags = append(flags, "--session-id", ctx.SessionID)
		} else {
			flags = append(flags, "--resume", ctx.SessionID)
		}
	}
	if ctx.Format != "" {
		flags = append(flags, "--output-format", claudeFormat(ctx.Format))
	}
	if ctx.SystemPrompt != "" && !(ctx.SendSystemOnce && ctx.SystemSent) {
		flags = append(flags, "--append-system-prompt", ctx.SystemPrompt)
	}
	return insertSessionArgs(ctx.Argv, ctx.BodyIndex, flags, ctx.SessionArgBeforeBody)
}

func claudeFormat(format string) string {
	if format == "json" {
		return "stream-json"
	}
	return format
}

// claudeEvent is one NDJSON line from claude --output-format stream-json.
type claudeEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Result  string          `json:"result"`
	Message json.RawMessage `json:"message"`
	Model   string          `json:"model"`
	Usage   json.RawMessage `json:"usage"`
}

// claudeMessage is the message payload of assistant and user events.
type claudeMessage struct {
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func parseClaudeOutput(raw string) ParseResult {
	var res ParseResult
	parsedAny := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event claudeEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		parsedAny = true

		switch event.Type {
		case "assistant":
			var msg claudeMessage
			if json.Unmarshal(event.Message, &msg) != nil {
				continue
			}
			var parts []string
			for _, block := range msg.Content {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, block.Text)
				}
			}
			res.Texts = dedupAppend(res.Texts, strings.TrimSpace(strings.Join(parts, "\n")))
			if msg.Model != "" || msg.StopReason != "" {
				ensureMeta(&res).Model = msg.Model
				ensureMeta(&res).StopReason = msg.StopReason
			}
		case "user":
			var msg claudeMessage
			if json.Unmarshal(event.Message, &msg) != nil {
				continue
			}
			for _, block := range msg.Content {
				if block.Type == "tool_result" {
					res.ToolResults = append(res.ToolResults, flattenToolContent(block.Content))
				}
			}
		case "result":
			meta := ensureMeta(&res)
			meta.Provider = "anthropic"
			if event.Model != "" {
				meta.Model = event.Model
			}
			if usage := decodeUsage(event.Usage); len(usage) > 0 {
				meta.Usage = usage
			}
			if event.Subtype != "" {
				meta.StopReason = event.Subtype
			}
			if len(res.Texts) == 0 && strings.TrimSpace(event.Result) != "" {
				res.Texts = append(res.Texts, strings.TrimSpace(event.Result))
			}
		}
	}

	if !parsedAny {
		return plainTextResult(raw)
	}
	return res
}

// flattenToolContent renders a tool_result content payload, which may be a
// bare string or a block list, as one line of text.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		return strings.TrimSpace(asString)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, block := range blocks {
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return strings.TrimSpace(string(raw))
}

// decodeUsage keeps the numeric fields of a usage payload and ignores the
// nested breakdown objects some CLIs emit alongside them.
func decodeUsage(raw json.RawMessage) map[string]int64 {
	if len(raw) == 0 {
		return nil
	}
	var loose map[string]any
	if json.Unmarshal(raw, &loose) != nil {
		return nil
	}
	usage := make(map[string]int64)
	for key, value := range loose {
		if n, ok := value.(float64); ok {
			usage[key] = int64(n)
		}
	}
	if len(usage) == 0 {
		return nil
	}
	return usage
}

func ensureMeta(res *ParseResult) *Meta {
	if res.Meta == nil {
		res.Meta = &Meta{}
	}
	return res.Meta
}

// plainTextResult wraps raw output that carried no parseable events.
func plainTextResult(raw string) ParseResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParseResult{}
	}
	return ParseResult{Texts: []string{trimmed}}
}
