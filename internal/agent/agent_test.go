package agent

import (
	"reflect"
	"testing"
)

func TestDetect_ByBasename(t *testing.T) {
	tests := []struct {
		argv []string
		want Kind
	}{
		{[]string{"claude", "-p", "hi"}, KindClaude},
		{[]string{"/usr/local/bin/claude"}, KindClaude},
		{[]string{"pi"}, KindPi},
		{[]string{"/opt/bin/tau", "-p"}, KindPi},
		{[]string{"codex", "exec"}, KindCodex},
		{[]string{"opencode", "run"}, KindOpencode},
		{[]string{"gemini"}, KindGemini},
	}
	for _, tt := range tests {
		spec, ok := Detect(tt.argv)
		if !ok {
			t.Errorf("%v: not detected", tt.argv)
			continue
		}
		if spec.Kind != tt.want {
			t.Errorf("%v: got %q want %q", tt.argv, spec.Kind, tt.want)
		}
	}
	if _, ok := Detect([]string{"vim"}); ok {
		t.Error("vim should not match any agent")
	}
}

func TestBuildArgs_ClaudeNewVsResume(t *testing.T) {
	base := BuildContext{
		Argv:                 []string{"claude", "-p", "hello"},
		BodyIndex:            2,
		SessionID:            "sid",
		SessionArgBeforeBody: true,
	}

	fresh := base
	fresh.IsNewSession = true
	got := claudeSpec.BuildArgs(fresh)
	want := []string{"claude", "-p", "--session-id", "sid", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("new session argv = %v, want %v", got, want)
	}

	got = claudeSpec.BuildArgs(base)
	want = []string{"claude", "-p", "--resume", "sid", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("resume argv = %v, want %v", got, want)
	}
}

func TestBuildArgs_ClaudeFormatAndSystemPrompt(t *testing.T) {
	ctx := BuildContext{
		Argv:                 []string{"claude", "-p", "hello"},
		BodyIndex:            2,
		SessionID:            "sid",
		IsNewSession:         true,
		Format:               "json",
		SystemPrompt:         "you are concise",
		SessionArgBeforeBody: true,
	}
	got := claudeSpec.BuildArgs(ctx)
	want := []string{
		"claude", "-p",
		"--session-id", "sid",
		"--output-format", "stream-json",
		"--append-system-prompt", "you are concise",
		"hello",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}

	// After the first delivered turn the system prompt stays home.
	ctx.IsNewSession = false
	ctx.SendSystemOnce = true
	ctx.SystemSent = true
	got = claudeSpec.BuildArgs(ctx)
	for _, arg := range got {
		if arg == "--append-system-prompt" {
			t.Error("system prompt must be suppressed once sent")
		}
	}
}

func TestBuildArgs_SessionAfterBody(t *testing.T) {
	ctx := BuildContext{
		Argv:      []string{"codex", "hello"},
		BodyIndex: 1,
		SessionID: "sid",
	}
	got := codexSpec.BuildArgs(ctx)
	want := []string{"codex", "hello", "--session", "sid"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

func TestBuildArgs_GeminiNewSessionNoFlags(t *testing.T) {
	ctx := BuildContext{
		Argv:         []string{"gemini", "hello"},
		BodyIndex:    1,
		SessionID:    "sid",
		IsNewSession: true,
	}
	got := geminiSpec.BuildArgs(ctx)
	if !reflect.DeepEqual(got, []string{"gemini", "hello"}) {
		t.Errorf("new gemini session must add no flags, got %v", got)
	}

	ctx.IsNewSession = false
	got = geminiSpec.BuildArgs(ctx)
	if !reflect.DeepEqual(got, []string{"gemini", "hello", "--resume", "sid"}) {
		t.Errorf("resume argv = %v", got)
	}
}

func TestBuildArgs_Pi(t *testing.T) {
	ctx := BuildContext{
		Argv:                 []string{"pi", "hello"},
		BodyIndex:            1,
		SessionID:            "sid",
		IsNewSession:         true,
		Format:               "json",
		IdentityPrefix:       "I am your relay.",
		SessionArgBeforeBody: true,
	}
	got := piSpec.BuildArgs(ctx)
	want := []string{"pi", "--session", "sid", "-p", "--mode", "json", "I am your relay.\n\nhello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

func TestBuildArgs_PiIdentitySuppressedOnceSent(t *testing.T) {
	ctx := BuildContext{
		Argv:                 []string{"pi", "-p", "hello"},
		BodyIndex:            2,
		SessionID:            "sid",
		SendSystemOnce:       true,
		SystemSent:           true,
		IdentityPrefix:       "I am your relay.",
		SessionArgBeforeBody: true,
	}
	got := piSpec.BuildArgs(ctx)
	want := []string{"pi", "-p", "--session", "sid", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}
