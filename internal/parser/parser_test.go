package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allParsers() []Parser {
	return []Parser{NewOpenCode(), NewClaudeCode(), NewCodex()}
}

func TestParseLine_BlankLinesYieldNil(t *testing.T) {
	for _, p := range allParsers() {
		for _, line := range []string{"", " ", "\t", "\n", "  \r\n  "} {
			assert.Nil(t, p.ParseLine(line), "%s: %q", p.AgentID(), line)
		}
	}
}

func TestParseLine_MalformedLinesAreVerbatimText(t *testing.T) {
	lines := []string{
		"Welcome to the agent CLI v1.2.3",
		"{not json",
		`{"type": "text", `,
		"  indented banner  ",
	}
	for _, p := range allParsers() {
		for _, line := range lines {
			ev := p.ParseLine(line)
			require.NotNil(t, ev, "%s: %q", p.AgentID(), line)
			assert.Equal(t, EventText, ev.Type)
			assert.Equal(t, line, ev.Text)
		}
	}
}

func TestParseLine_UnknownTypeIsSystem(t *testing.T) {
	for _, p := range allParsers() {
		for _, line := range []string{`{"type":"mystery"}`, `{"foo":1}`, `42`, `[1,2]`} {
			ev := p.ParseLine(line)
			require.NotNil(t, ev, "%s: %q", p.AgentID(), line)
			assert.Equal(t, EventSystem, ev.Type, "%s: %q", p.AgentID(), line)
			assert.NotEmpty(t, ev.Raw)
		}
	}
}

func TestIsResultMessage_OnlyResult(t *testing.T) {
	types := []EventType{EventInit, EventText, EventToolUse, EventSystem, EventError}
	for _, p := range allParsers() {
		assert.True(t, p.IsResultMessage(&AgentEvent{Type: EventResult}))
		assert.False(t, p.IsResultMessage(nil))
		for _, typ := range types {
			assert.False(t, p.IsResultMessage(&AgentEvent{Type: typ}), "%s: %s", p.AgentID(), typ)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"claude-code", "codex", "opencode"}, r.IDs())

	p, ok := r.Get("opencode")
	require.True(t, ok)
	assert.Equal(t, "opencode", p.AgentID())

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestSlashCommandsSupportVaries(t *testing.T) {
	initEv := &AgentEvent{Type: EventInit, SlashCommands: []string{"/clear"}}
	assert.Nil(t, NewOpenCode().ExtractSlashCommands(initEv))
	assert.Nil(t, NewCodex().ExtractSlashCommands(initEv))
	assert.Equal(t, []string{"/clear"}, NewClaudeCode().ExtractSlashCommands(initEv))
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{InputTokens: 1, CostUSD: 0.5}
	u.Add(&Usage{InputTokens: 2, OutputTokens: 3, CacheReadTokens: 4, CacheCreationTokens: 5, CostUSD: 0.25})
	u.Add(nil)
	assert.Equal(t, &Usage{InputTokens: 3, OutputTokens: 3, CacheReadTokens: 4, CacheCreationTokens: 5, CostUSD: 0.75}, u)
}
