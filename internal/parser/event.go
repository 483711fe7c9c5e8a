package parser

import "encoding/json"

// EventType classifies a normalized agent event.
type EventType string

const (
	EventInit    EventType = "init"
	EventText    EventType = "text"
	EventToolUse EventType = "tool_use"
	EventResult  EventType = "result"
	EventSystem  EventType = "system"
	EventError   EventType = "error"
)

// Tool execution states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// AgentEvent is the normalized unit emitted for one line of agent output.
type AgentEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Text      string    `json:"text,omitempty"`
	IsPartial bool      `json:"isPartial,omitempty"`

	// ToolName and ToolState are set only for EventToolUse.
	ToolName  string     `json:"toolName,omitempty"`
	ToolState *ToolState `json:"toolState,omitempty"`

	// Usage is set on result events and some system events.
	Usage *Usage `json:"usage,omitempty"`

	// SlashCommands is set on init events of agents that advertise them.
	SlashCommands []string `json:"slashCommands,omitempty"`

	// Raw is the decoded line as received, for diagnostics.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ToolState is the execution state of a tool invocation.
type ToolState struct {
	Status string          `json:"status,omitempty"`
	Title  string          `json:"title,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Usage holds token counts and cost reported by an agent.
type Usage struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUsd"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CostUSD += other.CostUSD
}
