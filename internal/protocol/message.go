package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionTerminated = "session.terminated"
	TypeNotify            = "notify"
	TypeGroupChatUpdate   = "groupchat.update"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate     = "session.create"
	TypeSessionSend       = "session.send"
	TypeSessionInterrupt  = "session.interrupt"
	TypeSessionKill       = "session.kill"
	TypeSessionDelete     = "session.delete"
	TypeSessionLock       = "session.lock"
	TypeSessionUnlock     = "session.unlock"
	TypeBatchStart        = "batch.start"
	TypeBatchStop         = "batch.stop"
	TypeGroupChatCreate   = "groupchat.create"
	TypeModeratorStart    = "moderator.start"
	TypeModeratorSend     = "moderator.send"
	TypeModeratorStop     = "moderator.stop"
	TypeParticipantAdd    = "participant.add"
	TypeParticipantSend   = "participant.send"
	TypeParticipantRemove = "participant.remove"
)

// TypeGroupChatHistory is both the client request and the server reply.
const TypeGroupChatHistory = "groupchat.history"

// Error codes.
const (
	ErrInvalidMessage       = "INVALID_MESSAGE"
	ErrInternal             = "INTERNAL"
	ErrSessionNotFound      = "SESSION_NOT_FOUND"
	ErrSessionErrored       = "SESSION_ERRORED"
	ErrMaxSessions          = "MAX_SESSIONS"
	ErrSpawnFailed          = "SPAWN_FAILED"
	ErrUnknownAgent         = "UNKNOWN_AGENT"
	ErrUnsupportedAgent     = "UNSUPPORTED_AGENT"
	ErrWriteLocked          = "WRITE_LOCKED"
	ErrProcessBusy          = "PROCESS_BUSY"
	ErrProcessNotRunning    = "PROCESS_NOT_RUNNING"
	ErrInterruptFailed      = "INTERRUPT_FAILED"
	ErrBatchActive          = "BATCH_ACTIVE"
	ErrNoBatch              = "NO_BATCH"
	ErrChatNotFound         = "CHAT_NOT_FOUND"
	ErrModeratorActive      = "MODERATOR_ACTIVE"
	ErrModeratorNotActive   = "MODERATOR_NOT_ACTIVE"
	ErrDuplicateParticipant = "DUPLICATE_PARTICIPANT"
	ErrParticipantNotFound  = "PARTICIPANT_NOT_FOUND"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	AgentID        string  `json:"agentId"`
	WorkDir        string  `json:"workDir"`
	State          string  `json:"state"`
	ShellState     string  `json:"shellState"`
	LastError      string  `json:"lastError,omitempty"`
	Queued         int     `json:"queued"`
	ShellQueued    int     `json:"shellQueued"`
	AgentSessionID string  `json:"agentSessionId,omitempty"`
	WriteLockOwner string  `json:"writeLockOwner,omitempty"`
	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	CostUSD        float64 `json:"costUsd"`
	CreatedAt      string  `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`   // "ai" | "shell"
	Stream    string `json:"stream"` // "stdout" | "stderr" | "event"
	Data      string `json:"data,omitempty"`
	Event     any    `json:"event,omitempty"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode,omitempty"`
	Reason    string `json:"reason"` // "deleted" | "killed" | "interrupt-escalated"
}

type NotifyPayload struct {
	Kind    string `json:"kind"`
	Scope   string `json:"scope"`
	Payload any    `json:"payload,omitempty"`
}

type GroupChatParticipant struct {
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
	State   string `json:"state"`
}

type GroupChatUpdatePayload struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	ModeratorAgentID string                 `json:"moderatorAgentId"`
	ModeratorActive  bool                   `json:"moderatorActive"`
	State            string                 `json:"state"`
	Participants     []GroupChatParticipant `json:"participants"`
}

type ChatMessage struct {
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type ChatHistoryEntry struct {
	ID          string  `json:"id"`
	Participant string  `json:"participant"`
	Summary     string  `json:"summary"`
	ElapsedMs   int64   `json:"elapsedMs"`
	CostUSD     float64 `json:"costUsd"`
	Timestamp   string  `json:"timestamp"`
}

type GroupChatHistoryPayload struct {
	ChatID   string             `json:"chatId"`
	Messages []ChatMessage      `json:"messages"`
	Entries  []ChatHistoryEntry `json:"entries"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Name     string `json:"name"`
	AgentID  string `json:"agentId"`
	WorkDir  string `json:"workDir"`
	Model    string `json:"model,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

type SessionSendPayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text"`
}

// SessionModePayload addresses one process family of a session.
type SessionModePayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode,omitempty"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionLockPayload struct {
	SessionID string `json:"sessionId"`
	TabID     string `json:"tabId"`
}

type BatchStartPayload struct {
	SessionID string `json:"sessionId"`
	Document  string `json:"document"`
	Prompt    string `json:"prompt,omitempty"`
}

type GroupChatCreatePayload struct {
	Name             string `json:"name"`
	ModeratorAgentID string `json:"moderatorAgentId"`
}

type ChatIDPayload struct {
	ChatID string `json:"chatId"`
}

type ModeratorStartPayload struct {
	ChatID  string `json:"chatId"`
	WorkDir string `json:"workDir"`
}

type ModeratorSendPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type ParticipantAddPayload struct {
	ChatID  string `json:"chatId"`
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
	WorkDir string `json:"workDir"`
}

type ParticipantSendPayload struct {
	ChatID string `json:"chatId"`
	Name   string `json:"name"`
	Text   string `json:"text"`
}

type ParticipantRemovePayload struct {
	ChatID string `json:"chatId"`
	Name   string `json:"name"`
}
