package groupchat

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxOverviewLen = 600

// ModeratorPrompt is the system prompt of a chat's moderator.
func ModeratorPrompt(chatName, transcriptPath string, participants []string) string {
	roster := "none yet"
	if len(participants) > 0 {
		roster = strings.Join(participants, ", ")
	}
	return fmt.Sprintf(`You are the moderator of the group chat %q.

The full conversation is logged as JSON lines at:
%s
Read it before every reply; it is the only shared context.

Participants: %s.

Your job is to coordinate, not to do the work yourself. Break the user's
request into focused assignments, say which participant should take each
one, and summarize their answers for the user once they report back.
Keep replies short and concrete.`, chatName, transcriptPath, roster)
}

// ParticipantPrompt is the system prompt of a chat participant. It fixes
// the two-part response format ExtractOverview relies on.
func ParticipantPrompt(name, chatName, transcriptPath string) string {
	return fmt.Sprintf(`You are %s, a participant in the group chat %q.

The full conversation is logged as JSON lines at:
%s
Read it for context before you answer. Messages addressed to you are
tagged "moderator->%s".

Format every response in two parts:
1. A plain-text overview of one to three sentences, no markdown.
2. A blank line, then any detail you need, in markdown.

The overview is recorded in the chat history on its own, so it must make
sense without the detail.`, name, chatName, transcriptPath, name)
}

var blankLineRe = regexp.MustCompile(`\r?\n[ \t]*\r?\n`)

// ExtractOverview returns the overview part of a two-part response: the
// text before the first blank line, flattened to one line. A response
// without a blank line is all overview.
func ExtractOverview(response string) string {
	response = strings.TrimSpace(response)
	if response == "" {
		return ""
	}
	overview := blankLineRe.Split(response, 2)[0]
	overview = strings.Join(strings.Fields(overview), " ")
	if utf8.RuneCountInString(overview) > maxOverviewLen {
		overview = string([]rune(overview)[:maxOverviewLen]) + "..."
	}
	return overview
}
