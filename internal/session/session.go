// Package session runs the per-session state machine: one agent process and
// one shell process per session, idle/busy tracking for each, FIFO queues of
// input accepted while busy, and resumption of the agent's own conversation.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"orchestra/internal/parser"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionErrored  = errors.New("session is in error state")
	ErrSpawnFailed     = errors.New("spawn failed")
	ErrMaxSessions     = errors.New("maximum sessions reached")
	ErrWriteLocked     = errors.New("session is write-locked by another tab")
)

// State is the lifecycle state of one process family.
type State string

const (
	StateIdle  State = "idle"
	StateBusy  State = "busy"
	StateError State = "error"
)

// Mode selects a session's process family.
type Mode string

const (
	ModeAI    Mode = "ai"
	ModeShell Mode = "shell"
)

// ParseMode accepts "ai", "shell", and the empty string (ai).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAI:
		return ModeAI, nil
	case ModeShell:
		return ModeShell, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// QueuedMessage is input accepted while its family was busy.
type QueuedMessage struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Session is a point-in-time copy of one session.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgentID   string    `json:"agentId"`
	WorkDir   string    `json:"workDir"`
	Model     string    `json:"model,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	State      State  `json:"state"`
	ShellState State  `json:"shellState"`
	LastError  string `json:"lastError,omitempty"`

	// AgentSessionID is the agent's own conversation id, used to resume.
	AgentSessionID string `json:"agentSessionId,omitempty"`

	Queue      []QueuedMessage `json:"queue"`
	ShellQueue []QueuedMessage `json:"shellQueue"`

	AIHistory    []string `json:"aiHistory"`
	ShellHistory []string `json:"shellHistory"`

	Usage parser.Usage `json:"usage"`

	AIPID       int `json:"aiPid"`
	TerminalPID int `json:"terminalPid"`

	WriteLockOwner string `json:"writeLockOwner,omitempty"`
}

func (s *Session) clone() Session {
	c := *s
	c.Queue = slices.Clone(s.Queue)
	c.ShellQueue = slices.Clone(s.ShellQueue)
	c.AIHistory = slices.Clone(s.AIHistory)
	c.ShellHistory = slices.Clone(s.ShellHistory)
	return c
}

// PairingError reports a session whose agent and shell processes could not
// both be started. The PIDs of whichever side did start are kept so the
// caller can surface them; that side has already been killed.
type PairingError struct {
	AIPID       int
	TerminalPID int
	Err         error
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("session pairing failed (ai pid %d, terminal pid %d): %v", e.AIPID, e.TerminalPID, e.Err)
}

func (e *PairingError) Unwrap() error { return e.Err }

// Is lets errors.Is match a pairing failure as ErrSpawnFailed.
func (e *PairingError) Is(target error) bool { return target == ErrSpawnFailed }

const (
	aiSuffix       = "-ai"
	terminalSuffix = "-terminal"
)

// AIProcessID is the process id of a session's agent.
func AIProcessID(sessionID string) string { return sessionID + aiSuffix }

// TerminalProcessID is the process id of a session's shell.
func TerminalProcessID(sessionID string) string { return sessionID + terminalSuffix }

// ProcessID returns the process id for a session's family.
func ProcessID(sessionID string, mode Mode) string {
	if mode == ModeShell {
		return TerminalProcessID(sessionID)
	}
	return AIProcessID(sessionID)
}

// splitProcessID maps a process id back to its session and family.
func splitProcessID(processID string) (string, Mode, bool) {
	if id, ok := strings.CutSuffix(processID, aiSuffix); ok {
		return id, ModeAI, true
	}
	if id, ok := strings.CutSuffix(processID, terminalSuffix); ok {
		return id, ModeShell, true
	}
	return "", "", false
}
