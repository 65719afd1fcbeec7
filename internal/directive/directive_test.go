package directive

import "testing"

func TestParse_AbortWords(t *testing.T) {
	for _, body := range []string{"stop", "STOP", " esc ", "abort", "wait", "exit"} {
		res := Parse(body, nil)
		if !res.AbortRequested {
			t.Errorf("%q: expected abort", body)
		}
	}
	if Parse("stop it", nil).AbortRequested {
		t.Error("abort words must match the whole body")
	}
}

func TestParse_ThinkLevels(t *testing.T) {
	tests := []struct {
		body string
		want ThinkLevel
	}{
		{"/think:high", ThinkHigh},
		{"/think high", ThinkHigh},
		{"/t:low", ThinkLow},
		{"/thinking:medium", ThinkMedium},
		{"/think:max", ThinkHigh},
		{"/think:highest", ThinkHigh},
		{"/THINK:OFF", ThinkOff},
		{"/think:minimal", ThinkMinimal},
	}
	for _, tt := range tests {
		res := Parse(tt.body, nil)
		if res.Think == nil {
			t.Errorf("%q: no think directive parsed", tt.body)
			continue
		}
		if *res.Think != tt.want {
			t.Errorf("%q: got %q want %q", tt.body, *res.Think, tt.want)
		}
		if !res.DirectiveOnly {
			t.Errorf("%q: expected directive-only", tt.body)
		}
	}
}

func TestParse_VerboseLevels(t *testing.T) {
	tests := []struct {
		body string
		want VerboseLevel
	}{
		{"/verbose:on", VerboseOn},
		{"/verbose full", VerboseOn},
		{"/v:off", VerboseOff},
	}
	for _, tt := range tests {
		res := Parse(tt.body, nil)
		if res.Verbose == nil || *res.Verbose != tt.want {
			t.Errorf("%q: got %v want %q", tt.body, res.Verbose, tt.want)
		}
	}
}

func TestParse_LastDirectiveWins(t *testing.T) {
	res := Parse("/think:low /think:high", nil)
	if res.Think == nil || *res.Think != ThinkHigh {
		t.Errorf("expected high, got %v", res.Think)
	}
}

func TestParse_InlineWithProse(t *testing.T) {
	res := Parse("/think:high summarize the log", nil)
	if res.DirectiveOnly {
		t.Error("body with prose is not directive-only")
	}
	if res.StrippedBody != "summarize the log" {
		t.Errorf("unexpected stripped body %q", res.StrippedBody)
	}
	if res.Think == nil || *res.Think != ThinkHigh {
		t.Errorf("expected inline high, got %v", res.Think)
	}
}

func TestParse_ResetTriggers(t *testing.T) {
	triggers := []string{"/new", "reset"}
	if !Parse("/new", triggers).ResetRequested {
		t.Error("exact trigger not detected")
	}
	if !Parse("reset please", triggers).ResetRequested {
		t.Error("prefix trigger not detected")
	}
	if Parse("resetting", triggers).ResetRequested {
		t.Error("prefix must be word-delimited")
	}
}

func TestParse_UnknownLevel(t *testing.T) {
	res := Parse("/think:banana", nil)
	if !res.DirectiveOnly {
		t.Error("unknown level should be directive-only")
	}
	if res.Unknown != "banana" {
		t.Errorf("expected unknown token, got %q", res.Unknown)
	}
	if res.Think != nil {
		t.Error("unknown level must not set Think")
	}
}

func TestResolveThink_Precedence(t *testing.T) {
	inline := ThinkHigh
	if got := ResolveThink(&inline, ThinkLow, ThinkMinimal); got != ThinkHigh {
		t.Errorf("inline should win, got %q", got)
	}
	if got := ResolveThink(nil, ThinkLow, ThinkMinimal); got != ThinkLow {
		t.Errorf("session should win, got %q", got)
	}
	if got := ResolveThink(nil, "", ThinkMinimal); got != ThinkMinimal {
		t.Errorf("config should win, got %q", got)
	}
	if got := ResolveThink(nil, "", ""); got != ThinkOff {
		t.Errorf("default should be off, got %q", got)
	}
}

func TestCueWord(t *testing.T) {
	tests := map[ThinkLevel]string{
		ThinkMinimal: "think",
		ThinkLow:     "think hard",
		ThinkMedium:  "think harder",
		ThinkHigh:    "ultrathink",
		ThinkOff:     "",
	}
	for level, want := range tests {
		if got := CueWord(level); got != want {
			t.Errorf("%q: got %q want %q", level, got, want)
		}
	}
}
