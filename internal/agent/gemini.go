package agent

// geminiSpec drives the Gemini CLI. It generates its own session ids, so new
// sessions get no flag; later turns resume whatever id the store holds.
var geminiSpec = Spec{
	Kind:        KindGemini,
	Matches:     matchBase("gemini"),
	BuildArgs:   buildGeminiArgs,
	ParseOutput: plainTextResult,
}

func buildGeminiArgs(ctx BuildContext) []string {
	var flags []string
	if ctx.SessionID != "" && !ctx.IsNewSession {
		flags = append(flags, "--resume", ctx.SessionID)
	}
	return insertSessionArgs(ctx.Argv, ctx.BodyIndex, flags, ctx.SessionArgBeforeBody)
}
