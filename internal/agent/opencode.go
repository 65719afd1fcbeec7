package agent

// opencodeSpec drives the opencode CLI, which prints plain text.
var opencodeSpec = Spec{
	Kind:        KindOpencode,
	Matches:     matchBase("opencode"),
	BuildArgs:   buildOpencodeArgs,
	ParseOutput: plainTextResult,
}

func buildOpencodeArgs(ctx BuildContext) []string {
	var flags []string
	if ctx.SessionID != "" {
		flags = append(flags, "--session", ctx.SessionID)
	}
	return insertSessionArgs(ctx.Argv, ctx.BodyIndex, flags, ctx.SessionArgBeforeBody)
}
