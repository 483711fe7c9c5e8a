package agent

// Terminal is the id of the raw shell definition. It has no parser, so it
// cannot carry prompt turns and sessions reject it as their agent.
const Terminal = "terminal"

// Builtins returns the definitions available without configuration.
func Builtins() []Definition {
	return []Definition{
		{
			ID:              "claude-code",
			Name:            "Claude Code",
			Binary:          "claude",
			Delivery:        DeliveryBatch,
			Parser:          "claude-code",
			BatchModePrefix: []string{"--print", "--verbose"},
			InteractiveArgs: []string{"--print", "--verbose", "--input-format", "stream-json"},
			JSONOutputArgs:  []string{"--output-format", "stream-json"},
			ReadOnlyArgs:    []string{"--permission-mode", "plan"},
			ModelArgs:       []string{"--model", valuePlaceholder},
			ResumeArgs:      []string{"--resume", valuePlaceholder},
			BypassArgs:      []string{"--dangerously-skip-permissions"},
			PromptArgs:      []string{"--", valuePlaceholder},
		},
		{
			ID:              "opencode",
			Name:            "OpenCode",
			Binary:          "opencode",
			Delivery:        DeliveryBatch,
			Parser:          "opencode",
			BatchModePrefix: []string{"run"},
			JSONOutputArgs:  []string{"--format", "json"},
			ModelArgs:       []string{"--model", valuePlaceholder},
			ResumeArgs:      []string{"--session", valuePlaceholder},
			PromptArgs:      []string{valuePlaceholder},
		},
		{
			ID:              "codex",
			Name:            "Codex",
			Binary:          "codex",
			Delivery:        DeliveryBatch,
			Parser:          "codex",
			BatchModePrefix: []string{"exec"},
			JSONOutputArgs:  []string{"--json"},
			WorkDirArgs:     []string{"-C", valuePlaceholder},
			ReadOnlyArgs:    []string{"--sandbox", "read-only"},
			ModelArgs:       []string{"-m", valuePlaceholder},
			ResumeArgs:      []string{"resume", valuePlaceholder},
			BatchModeArgs:   []string{"--skip-git-repo-check"},
			PromptArgs:      []string{valuePlaceholder},
		},
		{
			ID:       Terminal,
			Name:     "Terminal",
			Binary:   "/bin/sh",
			Delivery: DeliveryStdin,
		},
	}
}
