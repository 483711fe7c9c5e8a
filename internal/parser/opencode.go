package parser

// OpenCode parses `opencode run --format json` output.
//
// Lines look like {"type":"text","sessionID":"...","part":{...}}. A
// step_finish only ends the turn when part.reason is "stop"; any other
// reason (tool-calls, length, absent) is a mid-stream marker.
type OpenCode struct{}

// NewOpenCode returns the opencode parser.
func NewOpenCode() *OpenCode { return &OpenCode{} }

func (*OpenCode) AgentID() string { return "opencode" }

func (*OpenCode) ParseLine(line string) *AgentEvent {
	rec, raw, event, done := decodeLine(line)
	if done {
		return event
	}

	sessionID := rec.str("sessionID")
	part := rec.obj("part")

	if e, ok := rec["error"]; ok && string(e) != "null" {
		return &AgentEvent{Type: EventError, SessionID: sessionID, Text: errorText(e), Raw: raw}
	}
	if part != nil && part.has("error") {
		return &AgentEvent{Type: EventError, SessionID: sessionID, Text: errorText(part["error"]), Raw: raw}
	}

	switch rec.str("type") {
	case "step_start":
		return &AgentEvent{Type: EventInit, SessionID: sessionID, Raw: raw}

	case "text":
		ev := &AgentEvent{Type: EventText, SessionID: sessionID, IsPartial: true, Raw: raw}
		if part != nil {
			ev.Text = part.str("text")
		}
		return ev

	case "tool_use":
		ev := &AgentEvent{Type: EventToolUse, SessionID: sessionID, Raw: raw}
		if part != nil {
			ev.ToolName = part.str("tool")
			ev.ToolState = openCodeToolState(part.obj("state"))
		}
		return ev

	case "step_finish":
		if part != nil && part.str("reason") == "stop" {
			return &AgentEvent{Type: EventResult, SessionID: sessionID, Usage: openCodeUsage(part), Raw: raw}
		}
		ev := &AgentEvent{Type: EventSystem, SessionID: sessionID, Raw: raw}
		if part != nil && part.has("tokens") {
			ev.Usage = openCodeUsage(part)
		}
		return ev

	default:
		return &AgentEvent{Type: EventSystem, SessionID: sessionID, Raw: raw}
	}
}

func openCodeToolState(state record) *ToolState {
	if state == nil {
		return nil
	}
	ts := &ToolState{
		Status: state.str("status"),
		Title:  state.str("title"),
	}
	if v, ok := state["input"]; ok {
		ts.Input = v
	}
	if v, ok := state["output"]; ok {
		ts.Output = v
	}
	return ts
}

func openCodeUsage(part record) *Usage {
	tokens := part.obj("tokens")
	u := &Usage{CostUSD: part.float("cost")}
	if tokens == nil {
		return u
	}
	u.InputTokens = tokens.int("input")
	u.OutputTokens = tokens.int("output")
	if cache := tokens.obj("cache"); cache != nil {
		u.CacheReadTokens = cache.int("read")
		u.CacheCreationTokens = cache.int("write")
	}
	return u
}

func (*OpenCode) IsResultMessage(event *AgentEvent) bool { return resultOnly(event) }

func (*OpenCode) ExtractSessionID(event *AgentEvent) string { return sessionOf(event) }

func (*OpenCode) ExtractUsage(event *AgentEvent) *Usage { return usageOf(event) }

// ExtractSlashCommands returns nil; opencode does not advertise commands.
func (*OpenCode) ExtractSlashCommands(*AgentEvent) []string { return nil }

var _ Parser = (*OpenCode)(nil)
