package parser

import (
	"encoding/json"
	"strings"
)

// ClaudeCode parses `claude --print --output-format stream-json` output.
type ClaudeCode struct{}

// NewClaudeCode returns the Claude Code parser.
func NewClaudeCode() *ClaudeCode { return &ClaudeCode{} }

func (*ClaudeCode) AgentID() string { return "claude-code" }

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	ToolUseID string          `json:"tool_use_id"`
}

type claudeMessage struct {
	Content []claudeBlock `json:"content"`
}

func (*ClaudeCode) ParseLine(line string) *AgentEvent {
	rec, raw, event, done := decodeLine(line)
	if done {
		return event
	}

	sessionID := rec.str("session_id")
	if e, ok := rec["error"]; ok && string(e) != "null" {
		return &AgentEvent{Type: EventError, SessionID: sessionID, Text: errorText(e), Raw: raw}
	}

	switch rec.str("type") {
	case "system":
		if rec.str("subtype") == "init" {
			ev := &AgentEvent{Type: EventInit, SessionID: sessionID, Raw: raw}
			if v, ok := rec["slash_commands"]; ok {
				var cmds []string
				if json.Unmarshal(v, &cmds) == nil {
					ev.SlashCommands = cmds
				}
			}
			return ev
		}
		return &AgentEvent{Type: EventSystem, SessionID: sessionID, Text: rec.str("subtype"), Raw: raw}

	case "assistant":
		return claudeAssistant(rec, sessionID, raw)

	case "user":
		return claudeToolResult(rec, sessionID, raw)

	case "stream_event":
		inner := rec.obj("event")
		if inner != nil && inner.str("type") == "content_block_delta" {
			if delta := inner.obj("delta"); delta != nil && delta.str("type") == "text_delta" {
				return &AgentEvent{Type: EventText, SessionID: sessionID, Text: delta.str("text"), IsPartial: true, Raw: raw}
			}
		}
		return &AgentEvent{Type: EventSystem, SessionID: sessionID, Raw: raw}

	case "result":
		usage := claudeUsage(rec)
		if rec.bool("is_error") {
			text := rec.str("result")
			if text == "" {
				text = rec.str("subtype")
			}
			return &AgentEvent{Type: EventError, SessionID: sessionID, Text: text, Usage: usage, Raw: raw}
		}
		return &AgentEvent{Type: EventResult, SessionID: sessionID, Text: rec.str("result"), Usage: usage, Raw: raw}

	default:
		return &AgentEvent{Type: EventSystem, SessionID: sessionID, Raw: raw}
	}
}

func claudeAssistant(rec record, sessionID string, raw json.RawMessage) *AgentEvent {
	var msg claudeMessage
	if v, ok := rec["message"]; ok {
		_ = json.Unmarshal(v, &msg)
	}

	var text []string
	var tool *claudeBlock
	for i := range msg.Content {
		b := &msg.Content[i]
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "tool_use":
			if tool == nil {
				tool = b
			}
		}
	}

	if len(text) > 0 {
		return &AgentEvent{Type: EventText, SessionID: sessionID, Text: strings.Join(text, ""), Raw: raw}
	}
	if tool != nil {
		return &AgentEvent{
			Type:      EventToolUse,
			SessionID: sessionID,
			ToolName:  tool.Name,
			ToolState: &ToolState{Status: ToolRunning, Input: tool.Input},
			Raw:       raw,
		}
	}
	return &AgentEvent{Type: EventSystem, SessionID: sessionID, Raw: raw}
}

func claudeToolResult(rec record, sessionID string, raw json.RawMessage) *AgentEvent {
	var msg claudeMessage
	if v, ok := rec["message"]; ok {
		_ = json.Unmarshal(v, &msg)
	}
	for _, b := range msg.Content {
		if b.Type != "tool_result" {
			continue
		}
		status := ToolCompleted
		if b.IsError {
			status = ToolError
		}
		return &AgentEvent{
			Type:      EventToolUse,
			SessionID: sessionID,
			ToolState: &ToolState{Status: status, Output: b.Content},
			Raw:       raw,
		}
	}
	return &AgentEvent{Type: EventSystem, SessionID: sessionID, Raw: raw}
}

func claudeUsage(rec record) *Usage {
	u := rec.obj("usage")
	if u == nil && !rec.has("total_cost_usd") {
		return nil
	}
	usage := &Usage{CostUSD: rec.float("total_cost_usd")}
	if u != nil {
		usage.InputTokens = u.int("input_tokens")
		usage.OutputTokens = u.int("output_tokens")
		usage.CacheReadTokens = u.int("cache_read_input_tokens")
		usage.CacheCreationTokens = u.int("cache_creation_input_tokens")
	}
	return usage
}

func (*ClaudeCode) IsResultMessage(event *AgentEvent) bool { return resultOnly(event) }

func (*ClaudeCode) ExtractSessionID(event *AgentEvent) string { return sessionOf(event) }

func (*ClaudeCode) ExtractUsage(event *AgentEvent) *Usage { return usageOf(event) }

// ExtractSlashCommands returns the commands advertised by an init event, or
// nil for any other event.
func (*ClaudeCode) ExtractSlashCommands(event *AgentEvent) []string {
	if event == nil || event.Type != EventInit {
		return nil
	}
	return event.SlashCommands
}

var _ Parser = (*ClaudeCode)(nil)
