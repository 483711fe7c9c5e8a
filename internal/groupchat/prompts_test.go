package groupchat

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractOverview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"two parts", "The parser is fixed.\nTests pass.\n\n## Details\n- item", "The parser is fixed. Tests pass."},
		{"crlf separator", "Done.\r\n\r\nMore", "Done."},
		{"whitespace-only separator line", "Done.\n   \nMore", "Done."},
		{"no separator", "Only an overview.", "Only an overview."},
		{"leading blank lines", "\n\n  Overview.\n\nDetail", "Overview."},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractOverview(tt.in))
		})
	}
}

func TestExtractOverview_Truncates(t *testing.T) {
	got := ExtractOverview(strings.Repeat("a", maxOverviewLen+50))
	assert.Len(t, got, maxOverviewLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestExtractOverview_TruncatesOnRuneBoundary(t *testing.T) {
	got := ExtractOverview(strings.Repeat("日本", maxOverviewLen))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxOverviewLen+3, utf8.RuneCountInString(got))
}

func TestPrompts(t *testing.T) {
	p := ParticipantPrompt("Alice", "review", "/data/chat.log")
	assert.Contains(t, p, "You are Alice")
	assert.Contains(t, p, "/data/chat.log")
	assert.Contains(t, p, "moderator->Alice")
	assert.Contains(t, p, "blank line")

	m := ModeratorPrompt("review", "/data/chat.log", nil)
	assert.Contains(t, m, "none yet")
	m = ModeratorPrompt("review", "/data/chat.log", []string{"Alice", "Bob"})
	assert.Contains(t, m, "Alice, Bob")
}
