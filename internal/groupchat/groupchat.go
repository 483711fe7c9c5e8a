// Package groupchat coordinates multi-agent chats: a moderator process
// directs named participant processes, and every message lands in a shared
// transcript that each participant reads for context.
package groupchat

import (
	"errors"
	"time"

	"orchestra/internal/parser"
)

var (
	ErrChatNotFound         = errors.New("group chat not found")
	ErrModeratorActive      = errors.New("moderator already active")
	ErrModeratorNotActive   = errors.New("moderator not active")
	ErrDuplicateParticipant = errors.New("participant name already in use")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrNoRunner             = errors.New("no process runner")
)

// ChatState is what a chat is waiting on.
type ChatState string

const (
	ChatIdle              ChatState = "idle"
	ChatModeratorThinking ChatState = "moderator-thinking"
	ChatAgentWorking      ChatState = "agent-working"
)

// ParticipantState is the state of one participant process.
type ParticipantState string

const (
	ParticipantIdle    ParticipantState = "idle"
	ParticipantWorking ParticipantState = "working"
	ParticipantExited  ParticipantState = "exited"
)

// Transcript route tags and sender names.
const (
	FromModerator = "moderator"
	FromSystem    = "system"
	RouteUser     = "user->moderator"
)

// RouteToParticipant tags a moderator instruction for a participant.
func RouteToParticipant(name string) string { return "moderator->" + name }

// Participant is a chat member as persisted in chat metadata.
type Participant struct {
	Name      string    `json:"name"`
	AgentID   string    `json:"agentId"`
	SessionID string    `json:"sessionId"`
	AddedAt   time.Time `json:"addedAt"`
}

// Chat is a group chat's metadata.
type Chat struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	ModeratorAgentID string        `json:"moderatorAgentId"`
	Participants     []Participant `json:"participants"`
	LogPath          string        `json:"logPath"`
	ImagesDir        string        `json:"imagesDir"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// HistoryEntry records one participant response. Summary is the overview
// paragraph of the response.
type HistoryEntry struct {
	ID           string        `json:"id"`
	Participant  string        `json:"participant"`
	Summary      string        `json:"summary"`
	FullResponse string        `json:"fullResponse,omitempty"`
	Usage        *parser.Usage `json:"usage,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Message is one transcript entry.
type Message struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
