package parser

// Codex parses `codex exec --json` output. The conversation id arrives once,
// in thread.started; later lines do not repeat it.
type Codex struct{}

// NewCodex returns the Codex parser.
func NewCodex() *Codex { return &Codex{} }

func (*Codex) AgentID() string { return "codex" }

func (*Codex) ParseLine(line string) *AgentEvent {
	rec, raw, event, done := decodeLine(line)
	if done {
		return event
	}

	typ := rec.str("type")
	if e, ok := rec["error"]; ok && string(e) != "null" {
		return &AgentEvent{Type: EventError, Text: errorText(e), Raw: raw}
	}

	switch typ {
	case "thread.started":
		return &AgentEvent{Type: EventInit, SessionID: rec.str("thread_id"), Raw: raw}

	case "turn.completed":
		return &AgentEvent{Type: EventResult, Usage: codexUsage(rec.obj("usage")), Raw: raw}

	case "turn.failed", "error":
		return &AgentEvent{Type: EventError, Text: rec.str("message"), Raw: raw}

	case "item.started", "item.updated", "item.completed":
		return codexItem(rec.obj("item"), typ == "item.completed", raw)

	default:
		return &AgentEvent{Type: EventSystem, Raw: raw}
	}
}

func codexItem(item record, completed bool, raw []byte) *AgentEvent {
	if item == nil {
		return &AgentEvent{Type: EventSystem, Raw: raw}
	}

	switch item.str("type") {
	case "agent_message":
		return &AgentEvent{Type: EventText, Text: item.str("text"), IsPartial: !completed, Raw: raw}

	case "reasoning":
		return &AgentEvent{Type: EventSystem, Text: item.str("text"), Raw: raw}

	case "command_execution", "mcp_tool_call", "file_change", "web_search":
		status := item.str("status")
		switch status {
		case "in_progress", "":
			status = ToolRunning
			if completed {
				status = ToolCompleted
			}
		case "failed":
			status = ToolError
		}

		name := item.str("type")
		if tool := item.str("tool"); tool != "" {
			name = tool
		}
		state := &ToolState{Status: status}
		if v, ok := item["command"]; ok {
			state.Input = v
		} else if v, ok := item["arguments"]; ok {
			state.Input = v
		} else if v, ok := item["changes"]; ok {
			state.Input = v
		}
		if v, ok := item["aggregated_output"]; ok {
			state.Output = v
		} else if v, ok := item["result"]; ok {
			state.Output = v
		}
		return &AgentEvent{Type: EventToolUse, ToolName: name, ToolState: state, Raw: raw}

	case "error":
		return &AgentEvent{Type: EventError, Text: item.str("message"), Raw: raw}

	default:
		return &AgentEvent{Type: EventSystem, Raw: raw}
	}
}

func codexUsage(u record) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		InputTokens:     u.int("input_tokens"),
		OutputTokens:    u.int("output_tokens"),
		CacheReadTokens: u.int("cached_input_tokens"),
	}
}

func (*Codex) IsResultMessage(event *AgentEvent) bool { return resultOnly(event) }

func (*Codex) ExtractSessionID(event *AgentEvent) string { return sessionOf(event) }

func (*Codex) ExtractUsage(event *AgentEvent) *Usage { return usageOf(event) }

// ExtractSlashCommands returns nil; codex exec has no command vocabulary.
func (*Codex) ExtractSlashCommands(*AgentEvent) []string { return nil }

var _ Parser = (*Codex)(nil)
